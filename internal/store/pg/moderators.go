package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/modsentry/internal/store"
)

// ModeratorStore implements store.ModeratorStore backed by Postgres.
type ModeratorStore struct {
	db *sql.DB
}

func NewModeratorStore(db *sql.DB) *ModeratorStore {
	return &ModeratorStore{db: db}
}

func (s *ModeratorStore) Get(ctx context.Context, id string) (*store.Moderator, error) {
	var m store.Moderator
	var allowedJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_user_id, name, guideline_id, allowed_actions, created_at FROM moderators WHERE id = $1`, id,
	).Scan(&m.ID, &m.OwnerUserID, &m.Name, &m.GuidelineID, &allowedJSON, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("moderator %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get moderator: %w", err)
	}
	if len(allowedJSON) > 0 {
		if err := json.Unmarshal(allowedJSON, &m.AllowedActions); err != nil {
			return nil, fmt.Errorf("decode allowed_actions: %w", err)
		}
	}
	return &m, nil
}

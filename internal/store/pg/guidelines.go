package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/modsentry/internal/store"
)

// GuidelineStore implements store.GuidelineStore backed by Postgres. The
// ordered topics list is stored as a JSONB array.
type GuidelineStore struct {
	db *sql.DB
}

func NewGuidelineStore(db *sql.DB) *GuidelineStore {
	return &GuidelineStore{db: db}
}

func (s *GuidelineStore) Get(ctx context.Context, id string) (*store.Guideline, error) {
	var g store.Guideline
	var topicsJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_user_id, name, body, topics, created_at FROM guidelines WHERE id = $1`, id,
	).Scan(&g.ID, &g.OwnerUserID, &g.Name, &g.Body, &topicsJSON, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("guideline %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get guideline: %w", err)
	}
	if len(topicsJSON) > 0 {
		if err := json.Unmarshal(topicsJSON, &g.Topics); err != nil {
			return nil, fmt.Errorf("decode topics: %w", err)
		}
	}
	return &g, nil
}

func (s *GuidelineStore) Create(ctx context.Context, g *store.Guideline) error {
	if g.ID == "" {
		g.ID = uuid.Must(uuid.NewV7()).String()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	topicsJSON, err := json.Marshal(g.Topics)
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO guidelines (id, owner_user_id, name, body, topics, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		g.ID, g.OwnerUserID, g.Name, g.Body, topicsJSON, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create guideline: %w", err)
	}
	return nil
}

func (s *GuidelineStore) SetTopics(ctx context.Context, guidelineID string, topics []string) error {
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE guidelines SET topics = $1 WHERE id = $2`, topicsJSON, guidelineID,
	)
	if err != nil {
		return fmt.Errorf("set guideline topics: %w", err)
	}
	return nil
}

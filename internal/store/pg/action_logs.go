package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/modsentry/internal/store"
)

// ActionLogStore implements store.ActionLogStore backed by Postgres.
type ActionLogStore struct {
	db *sql.DB
}

func NewActionLogStore(db *sql.DB) *ActionLogStore {
	return &ActionLogStore{db: db}
}

func (s *ActionLogStore) Create(ctx context.Context, a *store.ActionLog) error {
	if a.ID == "" {
		a.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_logs
			(id, deployment_id, message_id, action_type, platform, target_user_id, reason, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.DeploymentID, a.MessageID, a.ActionType, a.Platform, a.TargetUserID, a.Reason,
		a.Status, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create action log: %w", err)
	}
	return nil
}

func (s *ActionLogStore) Get(ctx context.Context, id string) (*store.ActionLog, error) {
	var a store.ActionLog
	err := s.db.QueryRowContext(ctx,
		`SELECT id, deployment_id, message_id, action_type, platform, target_user_id, reason, status, created_at, updated_at
		 FROM action_logs WHERE id = $1`, id,
	).Scan(&a.ID, &a.DeploymentID, &a.MessageID, &a.ActionType, &a.Platform, &a.TargetUserID, &a.Reason,
		&a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action log %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get action log: %w", err)
	}
	return &a, nil
}

// CompareAndSetStatus atomically transitions an action log's status,
// guarding against a second dispatcher acting on the same ActionLog
// concurrently.
func (s *ActionLogStore) CompareAndSetStatus(ctx context.Context, id string, from, to store.ActionStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_logs SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		to, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("cas action log status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas action log status rows affected: %w", err)
	}
	return n == 1, nil
}

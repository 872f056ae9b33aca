package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/modsentry/internal/store"
)

// DeploymentStore implements store.DeploymentStore backed by Postgres.
type DeploymentStore struct {
	db *sql.DB
}

func NewDeploymentStore(db *sql.DB) *DeploymentStore {
	return &DeploymentStore{db: db}
}

func (s *DeploymentStore) Get(ctx context.Context, id string) (*store.Deployment, error) {
	var d store.Deployment
	var confJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, moderator_id, platform, conf, status, created_at, updated_at FROM deployments WHERE id = $1`, id,
	).Scan(&d.ID, &d.ModeratorID, &d.Platform, &confJSON, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("deployment %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	if len(confJSON) > 0 {
		if err := json.Unmarshal(confJSON, &d.Conf); err != nil {
			return nil, fmt.Errorf("decode conf: %w", err)
		}
	}
	return &d, nil
}

func (s *DeploymentStore) ListRunning(ctx context.Context) ([]*store.Deployment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, moderator_id, platform, conf, status, created_at, updated_at FROM deployments WHERE status = $1`,
		store.DeploymentRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list running deployments: %w", err)
	}
	defer rows.Close()

	var out []*store.Deployment
	for rows.Next() {
		d := &store.Deployment{}
		var confJSON []byte
		if err := rows.Scan(&d.ID, &d.ModeratorID, &d.Platform, &confJSON, &d.Status, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		if len(confJSON) > 0 {
			json.Unmarshal(confJSON, &d.Conf)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DeploymentStore) CompareAndSetStatus(ctx context.Context, id string, from, to store.DeploymentStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		to, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("cas deployment status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas deployment status rows affected: %w", err)
	}
	return n == 1, nil
}

package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/modsentry/internal/store"
)

// MessageStore implements store.MessageStore backed by Postgres.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

// CreateWithEvaluations inserts m and every evaluation in evals in a single
// transaction. A failure anywhere rolls back the whole write, so a Message
// row never exists without at least one MessageEvaluation row for it.
func (s *MessageStore) CreateWithEvaluations(ctx context.Context, m *store.Message, evals []*store.MessageEvaluation) error {
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, deployment_id, author_id, channel_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.DeploymentID, m.AuthorID, m.ChannelID, m.Content, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO message_evaluations
			(id, message_id, deployment_id, verdict, topic, confidence, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("prepare evaluation insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range evals {
		if e.ID == "" {
			e.ID = uuid.Must(uuid.NewV7()).String()
		}
		e.MessageID = m.ID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = m.CreatedAt
		}
		_, err := stmt.ExecContext(ctx,
			e.ID, e.MessageID, e.DeploymentID, e.Verdict, e.Topic, e.Confidence,
			encodeVector(e.Embedding), e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("create evaluation: %w", err)
		}
	}

	return tx.Commit()
}

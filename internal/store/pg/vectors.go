package pg

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/nextlevelbuilder/modsentry/internal/store"
)

// VectorStore implements store.VectorStore using pgvector's `<->` L2
// distance operator over the message_evaluations.embedding column. No
// dedicated pgvector Go client exists among the retrieved examples, so this
// issues raw SQL through database/sql, matching the project's existing
// raw-SQL persistence idiom.
type VectorStore struct {
	db *sql.DB
}

func NewVectorStore(db *sql.DB) *VectorStore {
	return &VectorStore{db: db}
}

func (s *VectorStore) NearestEvaluations(ctx context.Context, deploymentID string, query []float32, k int) ([]*store.ScoredEvaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, deployment_id, verdict, topic, confidence, created_at,
		        embedding <-> $1 AS distance
		 FROM message_evaluations
		 WHERE deployment_id = $2
		 ORDER BY embedding <-> $1
		 LIMIT $3`,
		encodeVector(query), deploymentID, k,
	)
	if err != nil {
		return nil, fmt.Errorf("nearest evaluations: %w", err)
	}
	defer rows.Close()

	var out []*store.ScoredEvaluation
	for rows.Next() {
		e := &store.MessageEvaluation{}
		var dist float64
		if err := rows.Scan(&e.ID, &e.MessageID, &e.DeploymentID, &e.Verdict, &e.Topic, &e.Confidence, &e.CreatedAt, &dist); err != nil {
			return nil, fmt.Errorf("scan nearest evaluation: %w", err)
		}
		out = append(out, &store.ScoredEvaluation{Evaluation: e, Distance: dist})
	}
	return out, rows.Err()
}

// encodeVector formats a []float32 as a pgvector text literal, e.g.
// "[0.1,0.2,0.3]".
func encodeVector(v []float32) string {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	buf.WriteByte(']')
	return buf.String()
}

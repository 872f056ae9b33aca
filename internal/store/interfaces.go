package store

import "context"

// UserStore persists User accounts.
type UserStore interface {
	Get(ctx context.Context, id string) (*User, error)
}

// GuidelineStore persists Guideline policy documents, each owned by a User
// and referenced by any number of Moderators via Moderator.GuidelineID.
type GuidelineStore interface {
	Get(ctx context.Context, id string) (*Guideline, error)
	Create(ctx context.Context, g *Guideline) error
	// SetTopics persists the topics derived from a Guideline's body the
	// first time they are needed, keeping the topic list consistent with
	// the body it was derived from.
	SetTopics(ctx context.Context, guidelineID string, topics []string) error
}

// ModeratorStore persists Moderator configuration.
type ModeratorStore interface {
	Get(ctx context.Context, id string) (*Moderator, error)
}

// DeploymentStore persists Deployment records and lifecycle transitions.
type DeploymentStore interface {
	Get(ctx context.Context, id string) (*Deployment, error)
	ListRunning(ctx context.Context) ([]*Deployment, error)
	// CompareAndSetStatus atomically transitions a deployment from `from` to
	// `to`, returning false (no error) if the current status did not match
	// `from`.
	CompareAndSetStatus(ctx context.Context, id string, from, to DeploymentStatus) (bool, error)
}

// MessageStore persists inbound chat messages together with the
// evaluations produced for them.
type MessageStore interface {
	// CreateWithEvaluations inserts m and every evaluation in evals in a
	// single transaction: a failure leaves neither the message nor any of
	// its evaluations persisted, preserving the invariant that a Message
	// row exists iff at least one MessageEvaluation row exists for it.
	CreateWithEvaluations(ctx context.Context, m *Message, evals []*MessageEvaluation) error
}

// VectorStore performs nearest-neighbor similarity search over persisted
// message embeddings, scoped to a deployment.
type VectorStore interface {
	// NearestEvaluations returns up to k MessageEvaluations for deploymentID
	// with their L2 distance from query, ordered nearest first. No distance
	// cutoff is applied.
	NearestEvaluations(ctx context.Context, deploymentID string, query []float32, k int) ([]*ScoredEvaluation, error)
}

// ScoredEvaluation pairs a MessageEvaluation with its L2 distance from a
// similarity query vector.
type ScoredEvaluation struct {
	Evaluation *MessageEvaluation
	Distance   float64
}

// ActionLogStore persists ActionLog entries and their status transitions.
type ActionLogStore interface {
	Create(ctx context.Context, a *ActionLog) error
	Get(ctx context.Context, id string) (*ActionLog, error)
	// CompareAndSetStatus atomically transitions an action log from `from`
	// to `to`, guarding against double-dispatch. Returns false (no error)
	// if the current status did not match `from`.
	CompareAndSetStatus(ctx context.Context, id string, from, to ActionStatus) (bool, error)
}

// Stores bundles every store interface a modsentry process may need. Fields
// are populated together by a single backing factory (pg.NewPGStores).
type Stores struct {
	Users       UserStore
	Guidelines  GuidelineStore
	Moderators  ModeratorStore
	Deployments DeploymentStore
	Messages    MessageStore
	Vectors     VectorStore
	ActionLogs  ActionLogStore
}

// StoreConfig configures the Postgres-backed store factory.
type StoreConfig struct {
	PostgresDSN string
}

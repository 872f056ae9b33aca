package pg

import (
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/modsentry/internal/store"
)

// NewPGStores creates every store backed by a single Postgres connection
// pool.
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return storesFromDB(db), nil
}

func storesFromDB(db *sql.DB) *store.Stores {
	return &store.Stores{
		Users:       NewUserStore(db),
		Guidelines:  NewGuidelineStore(db),
		Moderators:  NewModeratorStore(db),
		Deployments: NewDeploymentStore(db),
		Messages:    NewMessageStore(db),
		Vectors:     NewVectorStore(db),
		ActionLogs:  NewActionLogStore(db),
	}
}

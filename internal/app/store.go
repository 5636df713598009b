// Package app wires configuration into the document store backend shared by
// the server and the admin CLI.
package app

import (
	"context"
	"fmt"

	"stockflow/config"
	"stockflow/internal/docstore"
	"stockflow/internal/docstore/memstore"
	"stockflow/internal/docstore/mongostore"
	"stockflow/internal/models"
	"stockflow/internal/store"
	"stockflow/internal/util"

	"go.uber.org/zap"
)

// Pinger is implemented by backends that can report reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// Migrator is implemented by backends that need schema setup
type Migrator interface {
	Migrate(ctx context.Context) error
}

// RetryPolicy builds the transaction retry policy from cfg. Retries are
// counted in the transaction_retries_total metric.
func RetryPolicy(cfg config.BusinessConfig) docstore.RetryPolicy {
	logger := util.GetLogger()
	return docstore.RetryPolicy{
		MaxAttempts: cfg.TxMaxAttempts,
		BaseDelay:   cfg.TxBaseBackoff,
		MaxDelay:    cfg.TxMaxBackoff,
		OnRetry: func(attempt int, err error) {
			util.TransactionRetriesTotal.Inc()
			logger.Debug("Retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
		},
	}
}

// OpenStore connects to the configured backend
func OpenStore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	policy := RetryPolicy(cfg.Business)

	switch cfg.Store.Driver {
	case "memory":
		return memstore.New(memstore.WithRetryPolicy(policy)), nil
	case "postgres":
		return store.NewStore(cfg.Store.DatabaseURL, store.WithRetryPolicy(policy))
	case "mongo":
		return mongostore.New(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase,
			mongostore.WithRetryPolicy(policy),
			mongostore.WithCollections(models.Collections()...))
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.Store.Driver)
	}
}

// Migrate prepares the backend schema when the backend needs one
func Migrate(ctx context.Context, s docstore.Store) error {
	if m, ok := s.(Migrator); ok {
		return m.Migrate(ctx)
	}
	return nil
}

// Package store is the PostgreSQL docstore backend. Every document lives in
// one jsonb table keyed by (collection, id) and carries a version that
// transactions check at commit.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stockflow/internal/apperr"
	"stockflow/internal/docstore"
	"stockflow/internal/util"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const notifyChannel = "docstore"

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	data       JSONB       NOT NULL,
	version    BIGINT      NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_data_idx ON documents USING GIN (data jsonb_path_ops);`

type row struct {
	ID      string `db:"id"`
	Data    []byte `db:"data"`
	Version int64  `db:"version"`
}

type Store struct {
	db     *sqlx.DB
	dsn    string
	clock  *docstore.Clock
	policy docstore.RetryPolicy
	logger *zap.Logger
}

// Option configures a Store
type Option func(*Store)

// WithRetryPolicy overrides the transaction retry policy
func WithRetryPolicy(p docstore.RetryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// NewStore creates a new database store
func NewStore(databaseURL string, opts ...Option) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		dsn:    databaseURL,
		clock:  docstore.NewClock(nil),
		policy: docstore.DefaultRetryPolicy(),
		logger: util.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Migrate creates the documents table when it is missing
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping reports whether the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// NewID returns a new document id
func (s *Store) NewID(collection string) string {
	return docstore.NewID()
}

// Get reads a committed document
func (s *Store) Get(ctx context.Context, collection, id string, dest any) error {
	var r row
	err := s.db.GetContext(ctx, &r,
		"SELECT id, data, version FROM documents WHERE collection = $1 AND id = $2", collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("%s/%s", collection, id)
	}
	if err != nil {
		return err
	}
	return docstore.Decode(r.Data, dest)
}

// Query pushes equality filters down as a jsonb containment match and
// orders the result in memory
func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	return s.query(ctx, s.db, q)
}

func (s *Store) query(ctx context.Context, db sqlx.QueryerContext, q docstore.Query) ([]docstore.Document, error) {
	var rows []row
	if len(q.Filters) == 0 {
		if err := sqlx.SelectContext(ctx, db, &rows,
			"SELECT id, data, version FROM documents WHERE collection = $1", q.Collection); err != nil {
			return nil, err
		}
	} else {
		filter, err := q.FilterObject()
		if err != nil {
			return nil, err
		}
		if err := sqlx.SelectContext(ctx, db, &rows,
			"SELECT id, data, version FROM documents WHERE collection = $1 AND data @> $2::jsonb",
			q.Collection, string(filter)); err != nil {
			return nil, err
		}
	}

	docs := make([]docstore.Document, len(rows))
	for i, r := range rows {
		docs[i] = docstore.Document{ID: r.ID, Data: json.RawMessage(r.Data), Version: r.Version}
	}
	return docstore.Apply(q, docs)
}

// RunTransaction runs fn with retries. Reads lock their rows; writes are
// checked against the versions those reads saw.
func (s *Store) RunTransaction(ctx context.Context, fn docstore.TxFunc) error {
	return s.policy.Run(ctx, func(ctx context.Context) error {
		sqlTx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer sqlTx.Rollback()

		tx := &transaction{tx: sqlTx, reads: make(map[key]int64)}
		if err := fn(ctx, tx); err != nil {
			return classify(err)
		}
		if err := s.apply(ctx, sqlTx, tx.reads, tx.writes); err != nil {
			return err
		}
		return classify(sqlTx.Commit())
	})
}

// RunBatch applies writes atomically without preconditions
func (s *Store) RunBatch(ctx context.Context, writes []docstore.Write) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	err = s.apply(ctx, sqlTx, nil, writes)
	if err == nil {
		err = classify(sqlTx.Commit())
	}
	if errors.Is(err, docstore.ErrTxConflict) {
		return apperr.Conflict("batch rejected: %v", err)
	}
	return err
}

func (s *Store) apply(ctx context.Context, tx *sqlx.Tx, reads map[key]int64, writes []docstore.Write) error {
	if len(writes) == 0 {
		return nil
	}
	now := s.clock.Next()

	for _, w := range writes {
		data, err := docstore.Encode(w.Doc, now)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", w.Collection, w.ID, err)
		}

		version, read := reads[key{w.Collection, w.ID}]
		switch {
		case w.Create || (read && version == 0):
			_, err = tx.ExecContext(ctx,
				"INSERT INTO documents (collection, id, data, updated_at) VALUES ($1, $2, $3, $4)",
				w.Collection, w.ID, string(data), now)
		case read:
			var res sql.Result
			res, err = tx.ExecContext(ctx,
				`UPDATE documents SET data = $3, version = version + 1, updated_at = $4
				 WHERE collection = $1 AND id = $2 AND version = $5`,
				w.Collection, w.ID, string(data), now, version)
			if err == nil {
				if n, _ := res.RowsAffected(); n == 0 {
					return fmt.Errorf("%s/%s changed since read: %w", w.Collection, w.ID, docstore.ErrTxConflict)
				}
			}
		default:
			_, err = tx.ExecContext(ctx,
				`INSERT INTO documents (collection, id, data, updated_at) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (collection, id)
				 DO UPDATE SET data = EXCLUDED.data, version = documents.version + 1, updated_at = EXCLUDED.updated_at`,
				w.Collection, w.ID, string(data), now)
		}
		if err != nil {
			return fmt.Errorf("write %s/%s: %w", w.Collection, w.ID, classify(err))
		}
	}

	for _, coll := range docstore.Collections(writes) {
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel, coll); err != nil {
			return fmt.Errorf("notify %s: %w", coll, err)
		}
	}
	return nil
}

// classify maps serialization failures, deadlocks and duplicate keys to
// docstore.ErrTxConflict
func classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "40001", "40P01", "23505":
		return fmt.Errorf("%s: %w", pqErr.Message, docstore.ErrTxConflict)
	}
	return err
}

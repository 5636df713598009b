package store

import (
	"context"
	"database/sql"
	"errors"

	"stockflow/internal/apperr"
	"stockflow/internal/docstore"

	"github.com/jmoiron/sqlx"
)

type key struct {
	collection string
	id         string
}

type transaction struct {
	tx     *sqlx.Tx
	reads  map[key]int64
	writes []docstore.Write
}

// Get reads and locks a row. A missing row is remembered as version 0 so a
// later write to it must insert.
func (t *transaction) Get(ctx context.Context, collection, id string, dest any) error {
	var r row
	err := t.tx.GetContext(ctx, &r,
		"SELECT id, data, version FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE",
		collection, id)

	k := key{collection, id}
	if errors.Is(err, sql.ErrNoRows) {
		if _, seen := t.reads[k]; !seen {
			t.reads[k] = 0
		}
		return apperr.NotFound("%s/%s", collection, id)
	}
	if err != nil {
		return classify(err)
	}
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = r.Version
	}
	return docstore.Decode(r.Data, dest)
}

func (t *transaction) Create(collection, id string, doc any) {
	t.writes = append(t.writes, docstore.CreateWrite(collection, id, doc))
}

func (t *transaction) Set(collection, id string, doc any) {
	t.writes = append(t.writes, docstore.SetWrite(collection, id, doc))
}

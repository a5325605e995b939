package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestNewRejectsMissingInputs(t *testing.T) {
	fsys := fstest.MapFS{"migrations/00001_init.sql": &fstest.MapFile{Data: []byte("-- +goose Up\n")}}

	if _, err := New(nil, fsys, "migrations", nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}

	// pgxpool.New does not dial until the first query.
	pool, err := pgxpool.New(context.Background(), "postgres://launchpad@127.0.0.1:1/launchpad")
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	if _, err := New(pool, nil, "migrations", nil); err == nil {
		t.Fatalf("expected error for missing filesystem")
	}
	if _, err := New(pool, fsys, "elsewhere", nil); err == nil {
		t.Fatalf("expected error for a directory without migrations")
	}
	if _, err := New(pool, fsys, "migrations", nil); err != nil {
		t.Fatalf("expected runner, got %v", err)
	}
}

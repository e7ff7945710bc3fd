package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openInMemoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared&_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countRows(t *testing.T, db *sql.DB, query string) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRow(query).Scan(&n); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	return n
}

func TestApplyRecordsAndSkipsApplied(t *testing.T) {
	db := openInMemoryDB(t)
	migrations := fstest.MapFS{
		"migrations/001_blobs.sql": {Data: []byte("-- +migrate Up\nCREATE TABLE blobs(key TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE blobs;")},
		"migrations/README.md":     {Data: []byte("ignored")},
	}

	for i := 0; i < 2; i++ {
		if err := Apply(context.Background(), db, migrations, "migrations"); err != nil {
			t.Fatalf("apply #%d: %v", i+1, err)
		}
	}

	if got := countRows(t, db, "SELECT COUNT(*) FROM schema_migrations"); got != 1 {
		t.Fatalf("migration rows = %d, want 1", got)
	}
	if got := countRows(t, db, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='blobs'"); got != 1 {
		t.Fatal("expected blobs table")
	}
}

func TestApplyToleratesAlreadyExistingObjects(t *testing.T) {
	db := openInMemoryDB(t)
	if _, err := db.Exec("CREATE TABLE blobs(key TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("seed table: %v", err)
	}
	migrations := fstest.MapFS{
		"001_blobs.sql": {Data: []byte("CREATE TABLE blobs(key TEXT PRIMARY KEY);")},
	}
	if err := Apply(context.Background(), db, migrations, ""); err != nil {
		t.Fatalf("apply: %v", err)
	}
}

func TestApplyRejectsNilDB(t *testing.T) {
	if err := Apply(context.Background(), nil, fstest.MapFS{}, ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestApplyReportsBadSQL(t *testing.T) {
	db := openInMemoryDB(t)
	migrations := fstest.MapFS{
		"001_bad.sql": {Data: []byte("CREATE TABLE (")},
	}
	if err := Apply(context.Background(), db, migrations, "."); err == nil {
		t.Fatal("expected error")
	}
}

func TestUpSection(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "SELECT 1;", want: "SELECT 1;"},
		{in: "-- +migrate Up\nA\n-- +migrate Down\nB", want: "\nA\n"},
		{in: "-- +migrate Up\nA", want: "\nA"},
	}
	for _, tt := range tests {
		if got := UpSection(tt.in); got != tt.want {
			t.Fatalf("UpSection(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsAlreadyExistsError(t *testing.T) {
	if !IsAlreadyExistsError(errors.New("table blobs already exists")) {
		t.Fatal("expected already exists match")
	}
	if IsAlreadyExistsError(errors.New("syntax error")) {
		t.Fatal("unexpected match")
	}
}

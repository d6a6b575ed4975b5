package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func TestOpenCreatesSchema(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: filepath.Join(dir, "test.db")}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	report, err := s.IntegrityCheck(context.Background())
	if err != nil {
		t.Fatalf("IntegrityCheck failed: %v", err)
	}
	if !report.Healthy() {
		t.Fatalf("expected healthy report, got %+v", report)
	}
}

func TestOpenRefusesSecondProcess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	first, err := Open(Config{Path: path}, nil)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	defer first.Close()

	if _, err := Open(Config{Path: path}, nil); err == nil {
		t.Fatal("expected second Open against the same file to fail")
	}
}

func TestTxCommitAndQuery(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: filepath.Join(dir, "test.db")}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	tx, err := s.Begin(ctx, false)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := tx.Apply(ctx, `INSERT INTO proxies (transport, host, port) VALUES (?, ?, ?)`, "direct", "localhost", 1080); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	it, err := Query(ctx, s, func(rows *sql.Rows) (string, error) {
		var host string
		err := rows.Scan(&host)
		return host, err
	}, "SELECT host FROM proxies")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	defer it.Close()

	var hosts []string
	for it.Next() {
		hosts = append(hosts, it.Value())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iteration error: %v", err)
	}
	if len(hosts) != 1 || hosts[0] != "localhost" {
		t.Fatalf("expected [localhost], got %v", hosts)
	}
}

func TestTxApplyRejectsForeignKeyViolation(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Path: filepath.Join(dir, "test.db")}, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	tx, err := s.Begin(ctx, false)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback()

	_, err = tx.Apply(ctx, `INSERT INTO entities (id, account_id, access_hash, kind, first_seen_at, last_seen_at) VALUES (1, 999, 1, 'channel', datetime('now'), datetime('now'))`)
	if err == nil {
		t.Fatal("expected foreign key violation")
	}
}

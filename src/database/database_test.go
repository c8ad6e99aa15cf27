package database

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenAndMigrateCreatesReportTables(t *testing.T) {
	db, err := OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenAndMigrate failed: %v", err)
	}
	defer db.Close()

	tables := []string{
		"users", "sessions", "qbo_tokens", "sync_logs",
		"trial_balance_reports", "trial_balance_columns", "trial_balance_lines", "trial_balance_summaries",
		"profit_loss_reports", "profit_loss_lines", "profit_loss_summaries",
		"balance_sheet_reports", "balance_sheet_lines", "balance_sheet_summaries",
		"cash_flow_reports", "cash_flow_lines", "cash_flow_summaries",
	}
	for _, name := range tables {
		var got string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&got)
		if err != nil {
			t.Errorf("table %s missing: %v", name, err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := OpenAndMigrate(context.Background(), path)
	if err != nil {
		t.Fatalf("first migrate failed: %v", err)
	}
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	db.Close()
}

func TestForeignKeysEnabled(t *testing.T) {
	db, err := OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenAndMigrate failed: %v", err)
	}
	defer db.Close()

	var on int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&on); err != nil {
		t.Fatalf("pragma query failed: %v", err)
	}
	if on != 1 {
		t.Errorf("expected foreign_keys=1, got %d", on)
	}
}

func TestDSNAppendsPragmas(t *testing.T) {
	got := dsn("file.db")
	want := "file.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	if got != want {
		t.Errorf("dsn() = %q, want %q", got, want)
	}
	if got := dsn("file.db?mode=rwc"); got[:len("file.db?mode=rwc&")] != "file.db?mode=rwc&" {
		t.Errorf("dsn() with existing query = %q", got)
	}
}

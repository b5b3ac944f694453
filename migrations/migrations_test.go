package migrations

import (
	"strings"
	"testing"
)

func TestEmbeddedMigrationSplitsIntoStatements(t *testing.T) {
	content, err := files.ReadFile("0001_init.sql")
	if err != nil {
		t.Fatalf("read embedded migration: %v", err)
	}
	stmts := splitSQL(stripSQLComments(string(content)))
	if len(stmts) != 5 {
		t.Fatalf("expected 5 statements, got %d", len(stmts))
	}
	for _, table := range []string{"workers", "requests", "orders", "order_state_events"} {
		found := false
		for _, s := range stmts {
			if strings.Contains(s, "CREATE TABLE IF NOT EXISTS "+table+" ") {
				found = true
			}
		}
		if !found {
			t.Errorf("missing table %s", table)
		}
	}
}

func TestStripSQLComments(t *testing.T) {
	got := stripSQLComments("-- header\n\nSELECT 1;\n  -- indented\nSELECT 2;\n")
	if strings.Contains(got, "--") {
		t.Fatalf("comments not stripped: %q", got)
	}
	if n := len(splitSQL(got)); n != 2 {
		t.Fatalf("expected 2 statements, got %d", n)
	}
}

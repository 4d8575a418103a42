//go:build postgres_integration

package store

import (
	"os"
	"testing"

	"depotplan/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	if err := p.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.MigrateDir("../../db/migrations"); err != nil {
		t.Fatalf("MigrateDir: %v", err)
	}
	if _, err := p.SaveSnapshot(t.Context(), "depot-it", model.FleetSnapshot{}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if _, _, err := p.ListRuns(t.Context(), "depot-it", "", "", 1); err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
}

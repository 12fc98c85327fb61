package migrate_test

import (
	"testing"

	"planline/internal/db"
	"planline/internal/migrate"
)

func TestMigrateIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version < 1 {
		t.Fatalf("version = %d", version)
	}
	if _, err := conn.Exec(`INSERT INTO projects(id,name,status,created_at) VALUES ('p1','demo','active','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("schema unusable: %v", err)
	}
}

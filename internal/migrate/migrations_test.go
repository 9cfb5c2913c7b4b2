package migrate

import (
	"testing"

	"github.com/clawdbotmilo/milo-command-center-sub001/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	v1, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v1 < 1 {
		t.Fatalf("version = %d after migrate", v1)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v2, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v2 != v1 {
		t.Fatalf("version moved from %d to %d on a no-op migrate", v1, v2)
	}

	for _, table := range []string{"projects", "tasks", "events"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

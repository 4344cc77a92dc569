package db

import "testing"

func TestOpenAppliesMigrations(t *testing.T) {
	d, err := Open("file:db_migrate?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	v, err := Version(d)
	if err != nil || v < 1 {
		t.Fatalf("version = %d, err = %v", v, err)
	}
	if _, err := d.Exec(`INSERT INTO documents (collection, id, data, version, update_time) VALUES ('orders', 'a', x'05000000', 1, 0)`); err != nil {
		t.Fatalf("documents table missing: %v", err)
	}
	// re-running is a no-op
	if err := Migrate(d); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
}

func TestRollbackLast(t *testing.T) {
	d, err := Open("file:db_rollback?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	if err := RollbackLast(d); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if v, _ := Version(d); v != 0 {
		t.Fatalf("version after rollback = %d", v)
	}
	if _, err := d.Exec(`SELECT 1 FROM documents`); err == nil {
		t.Fatalf("documents table still present")
	}
}

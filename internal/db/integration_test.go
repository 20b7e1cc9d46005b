//go:build integration

package db

import (
	"os"
	"testing"
)

// mysqlDSN returns the DSN of a disposable MySQL database, skipping the test
// when none is configured.
func mysqlDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ONCO_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("ONCO_TEST_MYSQL_DSN not set")
	}
	return dsn
}

func TestIntegration_MySQLMigrate(t *testing.T) {
	gdb, err := Connect("mysql", mysqlDSN(t))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer Close(gdb)

	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	// Migrating twice must be a no-op.
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("second AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}
}

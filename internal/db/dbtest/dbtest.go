// Package dbtest opens throwaway SQLite databases for package tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/cannabis-licenses/internal/config"
	"github.com/EmpoweredVote/cannabis-licenses/internal/db"
)

// New returns a gorm handle on a fresh SQLite file under t.TempDir. The
// connection is closed when the test ends.
func New(t testing.TB) *gorm.DB {
	t.Helper()

	cfg := config.Default()
	cfg.DatabaseURL = filepath.Join(t.TempDir(), "licencias_test.db")

	gdb, err := db.Open(cfg, zap.NewNop(), db.Options{})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

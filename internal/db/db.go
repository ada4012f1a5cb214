package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/EmpoweredVote/cannabis-licenses/internal/config"
)

// Options controls how Open connects. The zero value is usable.
type Options struct {
	// SlowThreshold is the query duration above which gorm logs a warning.
	SlowThreshold time.Duration
}

// Open connects to cfg.DatabaseURL. postgres:// URLs use the pgx-backed gorm
// driver, anything else is treated as a SQLite file path opened in WAL mode.
func Open(cfg config.Config, log *zap.Logger, opts Options) (*gorm.DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.SlowThreshold == 0 {
		opts.SlowThreshold = 100 * time.Millisecond
	}

	naming := schema.NamingStrategy{SingularTable: true}

	var dialector gorm.Dialector
	if cfg.IsPostgres() {
		dialector = postgres.Open(cfg.DatabaseURL)
		if cfg.DBSchema != "" {
			naming.TablePrefix = cfg.DBSchema + "."
		}
	} else {
		dialector = sqlite.Open(SQLiteDSN(cfg.DatabaseURL))
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         NewGormLogger(log.Named("gorm"), opts.SlowThreshold),
		NamingStrategy: naming,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	if IsPostgres(gdb) {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(20)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)

		if cfg.DBSchema != "" {
			if err := EnsureSchema(gdb, cfg.DBSchema); err != nil {
				return nil, fmt.Errorf("ensure schema %s: %w", cfg.DBSchema, err)
			}
		}
	} else {
		// One writer at a time is a SQLite property; readers stay concurrent under WAL.
		sqlDB.SetMaxOpenConns(8)
		sqlDB.SetMaxIdleConns(8)
	}

	log.Info("connected to database", zap.String("dialect", gdb.Dialector.Name()))
	return gdb, nil
}

// SQLiteDSN appends the pragmas every SQLite connection needs: WAL so that
// readers see the last committed load while a new one is in flight, and a
// busy timeout so a second writer waits instead of failing immediately.
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// IsPostgres reports whether gdb talks to PostgreSQL.
func IsPostgres(gdb *gorm.DB) bool {
	return gdb.Dialector.Name() == "postgres"
}

// IsUniqueViolation reports whether err was caused by a unique constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

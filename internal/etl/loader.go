package etl

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/cannabis-licenses/internal/db"
	"github.com/EmpoweredVote/cannabis-licenses/internal/licenses"
)

// loadLockKey identifies the PostgreSQL advisory lock held by a load
// transaction ("licencia" as bytes).
const loadLockKey int64 = 0x6c6963656e636961

// DefaultBatchSize is used when the Loader is given a non-positive size.
const DefaultBatchSize = 500

// Loader replaces the stored record set.
type Loader struct {
	gdb       *gorm.DB
	schema    string
	batchSize int
	log       *zap.Logger
}

// NewLoader builds a Loader. schema is the PostgreSQL schema to create
// before migrating; it is ignored on SQLite.
func NewLoader(gdb *gorm.DB, schema string, batchSize int, log *zap.Logger) *Loader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{gdb: gdb, schema: schema, batchSize: batchSize, log: log}
}

// CreateSchema creates the tables and indexes if they do not exist.
func (l *Loader) CreateSchema(ctx context.Context) error {
	gdb := l.gdb.WithContext(ctx)
	if db.IsPostgres(gdb) && l.schema != "" {
		if err := db.EnsureSchema(gdb, l.schema); err != nil {
			return storageErr("create schema", err)
		}
	}
	if err := gdb.AutoMigrate(&licenses.License{}, &licenses.LoadRun{}); err != nil {
		return storageErr("migrate", err)
	}
	return nil
}

// Load deletes every stored record and inserts records in one transaction,
// together with the run row describing them. On any error the transaction
// rolls back and the previous generation stays in place.
func (l *Loader) Load(ctx context.Context, records []licenses.License, run *licenses.LoadRun) error {
	rows := make([]licenses.License, len(records))
	copy(rows, records)
	for i := range rows {
		rows[i].LoadedAt = run.FinishedAt
	}

	return l.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if db.IsPostgres(tx) {
			// Serializes loaders running in other processes.
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", loadLockKey).Error; err != nil {
				return storageErr("advisory lock", err)
			}
		}

		res := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&licenses.License{})
		if res.Error != nil {
			return storageErr("delete previous generation", res.Error)
		}
		l.log.Debug("deleted previous generation", zap.Int64("rows", res.RowsAffected))

		if len(rows) > 0 {
			if err := tx.CreateInBatches(&rows, l.batchSize).Error; err != nil {
				if db.IsUniqueViolation(err) {
					return storageErr("insert records", fmt.Errorf("duplicate (departamento, municipio): %w", err))
				}
				return storageErr("insert records", err)
			}
		}

		if err := tx.Create(run).Error; err != nil {
			return storageErr("record load run", err)
		}

		l.log.Info("loaded generation",
			zap.String("run_id", run.ID.String()),
			zap.Int("records", len(rows)),
		)
		return nil
	})
}

// Verify reports whether the store holds at least one record.
func (l *Loader) Verify(ctx context.Context) (bool, error) {
	var n int64
	if err := l.gdb.WithContext(ctx).Model(&licenses.License{}).Count(&n).Error; err != nil {
		return false, storageErr("verify", err)
	}
	var sample licenses.License
	if n > 0 {
		if err := l.gdb.WithContext(ctx).Order("id ASC").Take(&sample).Error; err == nil {
			l.log.Info("verified store",
				zap.Int64("records", n),
				zap.String("sample", sample.Department+" / "+sample.Municipality),
			)
		}
	}
	return n > 0, nil
}

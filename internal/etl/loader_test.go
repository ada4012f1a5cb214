package etl

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/cannabis-licenses/internal/db/dbtest"
	"github.com/EmpoweredVote/cannabis-licenses/internal/licenses"
)

func record(id int, dept, muni string, total int64) licenses.License {
	return licenses.License{
		ID:              id,
		Key:             licenses.KeyFor(dept, muni),
		Department:      dept,
		Municipality:    muni,
		NonPsychoactive: total,
		Total:           total,
	}
}

func newRun(at time.Time, n int) *licenses.LoadRun {
	return &licenses.LoadRun{
		ID:          uuid.New(),
		StartedAt:   at.Add(-time.Second),
		FinishedAt:  at,
		Loaded:      n,
		TotalPolicy: "source",
	}
}

func storedNames(t *testing.T, gdb *gorm.DB) []string {
	t.Helper()
	var rows []licenses.License
	require.NoError(t, gdb.Order("id").Find(&rows).Error)
	var out []string
	for _, r := range rows {
		out = append(out, r.Department+"/"+r.Municipality)
	}
	return out
}

func TestLoader_CreateSchemaIdempotent(t *testing.T) {
	ctx := context.Background()
	ld := NewLoader(dbtest.New(t), "", 0, nil)
	require.NoError(t, ld.CreateSchema(ctx))
	require.NoError(t, ld.CreateSchema(ctx))

	ok, err := ld.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoader_ReplacesGeneration(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.New(t)
	ld := NewLoader(gdb, "", 2, nil)
	require.NoError(t, ld.CreateSchema(ctx))

	t0 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ld.Load(ctx, []licenses.License{
		record(1, "Cauca", "Caloto", 3),
		record(2, "Cauca", "Toribio", 9),
		record(3, "Meta", "Granada", 1),
	}, newRun(t0, 3)))

	run := newRun(t0.Add(time.Hour), 1)
	require.NoError(t, ld.Load(ctx, []licenses.License{record(1, "Huila", "Neiva", 4)}, run))

	assert.Equal(t, []string{"Huila/Neiva"}, storedNames(t, gdb))

	var stored licenses.License
	require.NoError(t, gdb.First(&stored).Error)
	assert.True(t, stored.LoadedAt.Equal(run.FinishedAt))

	var runs int64
	require.NoError(t, gdb.Model(&licenses.LoadRun{}).Count(&runs).Error)
	assert.Equal(t, int64(2), runs)

	ok, err := ld.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

// A failure after a batch has already been inserted must leave the previous
// generation untouched.
func TestLoader_AtomicOnFailure(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.New(t)
	ld := NewLoader(gdb, "", 2, nil)
	require.NoError(t, ld.CreateSchema(ctx))

	t0 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ld.Load(ctx, []licenses.License{
		record(1, "Antioquia", "Medellin", 8),
		record(2, "Cauca", "Toribio", 9),
	}, newRun(t0, 2)))
	before := storedNames(t, gdb)

	// The duplicate pair sits in the second batch, after two valid inserts.
	err := ld.Load(ctx, []licenses.License{
		record(1, "Boyaca", "Tunja", 1),
		record(2, "Huila", "Neiva", 2),
		record(3, "Meta", "Granada", 3),
		{ID: 4, Key: uuid.New(), Department: "Meta", Municipality: "Granada", Total: 4},
	}, newRun(t0.Add(time.Hour), 4))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "insert records", se.Op)

	assert.Equal(t, before, storedNames(t, gdb))

	var runs int64
	require.NoError(t, gdb.Model(&licenses.LoadRun{}).Count(&runs).Error)
	assert.Equal(t, int64(1), runs)
}

func TestLoader_UniqueInvariant(t *testing.T) {
	ctx := context.Background()
	gdb := dbtest.New(t)
	ld := NewLoader(gdb, "", 0, nil)
	require.NoError(t, ld.CreateSchema(ctx))

	require.NoError(t, ld.Load(ctx, []licenses.License{
		record(1, "Cauca", "Caloto", 3),
		record(2, "Cauca", "Corinto", 4),
	}, newRun(time.Now(), 2)))

	type pair struct {
		Departamento string
		Municipio    string
		N            int64
	}
	var dups []pair
	require.NoError(t, gdb.Model(&licenses.License{}).
		Select("departamento, municipio, COUNT(*) AS n").
		Group("departamento, municipio").
		Having("COUNT(*) > 1").
		Scan(&dups).Error)
	assert.Empty(t, dups)
}

func TestLoader_VerifyWithoutTable(t *testing.T) {
	_, err := NewLoader(dbtest.New(t), "", 0, nil).Verify(context.Background())
	assert.ErrorIs(t, err, ErrStorage)
}

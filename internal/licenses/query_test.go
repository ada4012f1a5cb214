package licenses

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/cannabis-licenses/internal/cache"
	"github.com/EmpoweredVote/cannabis-licenses/internal/db/dbtest"
)

func migrated(t testing.TB) *gorm.DB {
	t.Helper()
	gdb := dbtest.New(t)
	require.NoError(t, gdb.AutoMigrate(&License{}, &LoadRun{}))
	return gdb
}

// lic builds a record with normalized names and a derived key. The id is
// assigned by insert.
func lic(dept, muni string, noPsico, psico, semillas int64) License {
	d, m := NormalizeName(dept), NormalizeName(muni)
	return License{
		Key:             KeyFor(d, m),
		Department:      d,
		Municipality:    m,
		NonPsychoactive: noPsico,
		Psychoactive:    psico,
		Seeds:           semillas,
		Total:           noPsico + psico + semillas,
	}
}

func insert(t testing.TB, gdb *gorm.DB, rows ...License) {
	t.Helper()
	now := time.Now().UTC()
	for i := range rows {
		rows[i].ID = i + 1
		rows[i].LoadedAt = now
	}
	require.NoError(t, gdb.Create(&rows).Error)
}

func recordRun(t testing.TB, gdb *gorm.DB, finished time.Time, loaded int) LoadRun {
	t.Helper()
	run := LoadRun{
		ID:          uuid.New(),
		StartedAt:   finished.Add(-time.Second),
		FinishedAt:  finished,
		Loaded:      loaded,
		TotalPolicy: "source",
	}
	require.NoError(t, gdb.Create(&run).Error)
	return run
}

type QueryEngineSuite struct {
	suite.Suite
	gdb    *gorm.DB
	engine *QueryEngine
	ctx    context.Context
}

func TestQueryEngineSuite(t *testing.T) {
	suite.Run(t, new(QueryEngineSuite))
}

func (s *QueryEngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.gdb = migrated(s.T())
	s.engine = NewQueryEngine(s.gdb)
	insert(s.T(), s.gdb,
		lic("Antioquia", "Medellin", 5, 1, 2),    // 8
		lic("Antioquia", "Envigado", 1, 0, 0),    // 1
		lic("Valle del Cauca", "Cali", 10, 4, 1), // 15
		lic("Cauca", "Popayan", 20, 5, 5),        // 30
		lic("Cauca", "Toribio", 6, 1, 1),         // 8
		lic("Boyaca", "Tunja", 0, 0, 0),          // 0
		lic("Huila", "Neiva_Sur", 2, 0, 0),       // 2
	)
}

func (s *QueryEngineSuite) TestListOrdersByTotalThenID() {
	page, err := s.engine.List(s.ctx, PageParams{Limit: 100})
	s.Require().NoError(err)
	s.Equal(int64(7), page.Total)
	s.Require().Len(page.Results, 7)

	var totals []int64
	for _, r := range page.Results {
		totals = append(totals, r.Total)
	}
	s.Equal([]int64{30, 15, 8, 8, 2, 1, 0}, totals)
	// Medellin (id 1) and Toribio (id 5) tie on 8
	s.Equal("Medellin", page.Results[2].Municipality)
	s.Equal("Toribio", page.Results[3].Municipality)
}

func (s *QueryEngineSuite) TestListClampsParams() {
	page, err := s.engine.List(s.ctx, PageParams{Skip: -3, Limit: 0})
	s.Require().NoError(err)
	s.Equal(DefaultLimit, page.PerPage)
	s.Equal(1, page.PageNumber)

	page, err = s.engine.List(s.ctx, PageParams{Limit: 1000})
	s.Require().NoError(err)
	s.Equal(MaxLimit, page.PerPage)
}

func (s *QueryEngineSuite) TestPaginationCoversEveryRecordOnce() {
	for _, limit := range []int{1, 2, 3, 4, 7, 10} {
		seen := map[int]int{}
		var order []int
		for skip := 0; ; skip += limit {
			page, err := s.engine.List(s.ctx, PageParams{Skip: skip, Limit: limit})
			s.Require().NoError(err)
			s.Equal(skip/limit+1, page.PageNumber)
			if len(page.Results) == 0 {
				break
			}
			for _, r := range page.Results {
				seen[r.ID]++
				order = append(order, r.ID)
			}
		}
		s.Len(seen, 7, "limit %d", limit)
		for id, n := range seen {
			s.Equal(1, n, "limit %d id %d", limit, id)
		}

		full, err := s.engine.List(s.ctx, PageParams{Limit: 100})
		s.Require().NoError(err)
		var want []int
		for _, r := range full.Results {
			want = append(want, r.ID)
		}
		s.Equal(want, order, "limit %d", limit)
	}
}

func (s *QueryEngineSuite) TestSearchValle() {
	page, err := s.engine.Search(s.ctx, SearchParams{Query: "valle"})
	s.Require().NoError(err)
	s.Equal(int64(1), page.Total)
	s.Require().Len(page.Results, 1)
	s.Equal("Valle Del Cauca", page.Results[0].Department)
	s.Equal("Cali", page.Results[0].Municipality)
}

func (s *QueryEngineSuite) TestSearchMatchesDepartmentOrMunicipality() {
	page, err := s.engine.Search(s.ctx, SearchParams{Query: "CAUCA"})
	s.Require().NoError(err)
	// Valle Del Cauca and both Cauca rows
	s.Equal(int64(3), page.Total)

	page, err = s.engine.Search(s.ctx, SearchParams{Query: "tunj"})
	s.Require().NoError(err)
	s.Equal(int64(1), page.Total)
}

func (s *QueryEngineSuite) TestSearchEscapesWildcards() {
	page, err := s.engine.Search(s.ctx, SearchParams{Query: "_"})
	s.Require().NoError(err)
	s.Equal(int64(1), page.Total)
	s.Contains(page.Results[0].Municipality, "_")

	page, err = s.engine.Search(s.ctx, SearchParams{Query: "%"})
	s.Require().NoError(err)
	s.Zero(page.Total)
	s.NotNil(page.Results)
}

func (s *QueryEngineSuite) TestSearchFilters() {
	lo, hi := int64(2), int64(15)
	page, err := s.engine.Search(s.ctx, SearchParams{MinTotal: &lo, MaxTotal: &hi})
	s.Require().NoError(err)
	s.Equal(int64(4), page.Total)
	for _, r := range page.Results {
		s.GreaterOrEqual(r.Total, lo)
		s.LessOrEqual(r.Total, hi)
	}

	page, err = s.engine.Search(s.ctx, SearchParams{Department: "  cauca "})
	s.Require().NoError(err)
	s.Equal(int64(2), page.Total)
	for _, r := range page.Results {
		s.Equal("Cauca", r.Department)
	}
}

// The department filter compares normalized names: spelling variants of a
// stored department match, partial names do not.
func (s *QueryEngineSuite) TestSearchDepartmentMatchesWholeNormalizedName() {
	for _, dept := range []string{"Valle Del Cauca", "valle del cauca", " VALLE DEL CAUCA"} {
		page, err := s.engine.Search(s.ctx, SearchParams{Department: dept})
		s.Require().NoError(err)
		s.Require().Equal(int64(1), page.Total, dept)
		s.Equal("Cali", page.Results[0].Municipality)
	}

	page, err := s.engine.Search(s.ctx, SearchParams{Department: "Valle"})
	s.Require().NoError(err)
	s.Zero(page.Total)
}

func (s *QueryEngineSuite) TestSearchOrderBy() {
	page, err := s.engine.Search(s.ctx, SearchParams{OrderBy: "semillas", PageParams: PageParams{Limit: 2}})
	s.Require().NoError(err)
	s.Equal(int64(7), page.Total)
	s.Equal("Popayan", page.Results[0].Municipality)
	s.Equal("Medellin", page.Results[1].Municipality)

	// unknown field falls back to total
	page, err = s.engine.Search(s.ctx, SearchParams{OrderBy: "id; DROP TABLE licencias"})
	s.Require().NoError(err)
	s.Equal(int64(30), page.Results[0].Total)
}

func (s *QueryEngineSuite) TestGetByID() {
	l, err := s.engine.GetByID(s.ctx, 3)
	s.Require().NoError(err)
	s.Equal("Cali", l.Municipality)

	_, err = s.engine.GetByID(s.ctx, 999)
	s.ErrorIs(err, ErrNotFound)
}

func (s *QueryEngineSuite) TestGetByKey() {
	l, err := s.engine.GetByKey(s.ctx, KeyFor("Cauca", "Popayan"))
	s.Require().NoError(err)
	s.Equal(int64(30), l.Total)

	_, err = s.engine.GetByKey(s.ctx, KeyFor("Cauca", "Nowhere"))
	s.ErrorIs(err, ErrNotFound)
}

func (s *QueryEngineSuite) TestStatistics() {
	st, err := s.engine.Statistics(s.ctx)
	s.Require().NoError(err)

	s.Equal(Totals{
		Municipalities:         7,
		Licenses:               64,
		NonPsychoactive:        44,
		Psychoactive:           11,
		Seeds:                  9,
		AveragePerMunicipality: 64.0 / 7.0,
	}, st.Totals)

	s.Equal([]DepartmentTotal{
		{Department: "Cauca", Licenses: 38},
		{Department: "Valle Del Cauca", Licenses: 15},
		{Department: "Antioquia", Licenses: 9},
		{Department: "Huila", Licenses: 2},
		{Department: "Boyaca", Licenses: 0},
	}, st.TopDepartments)

	s.Equal([]Bucket{
		{Range: Bucket6To20, Municipalities: 3},
		{Range: Bucket1To5, Municipalities: 2},
		{Range: BucketNone, Municipalities: 1},
		{Range: BucketOver20, Municipalities: 1},
	}, st.Distribution)
	s.Nil(st.Generation)
}

func TestStatisticsEmptyStore(t *testing.T) {
	engine := NewQueryEngine(migrated(t))

	st, err := engine.Statistics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Totals{}, st.Totals)
	assert.NotNil(t, st.TopDepartments)
	assert.Empty(t, st.TopDepartments)
	require.Len(t, st.Distribution, 4)
	assert.Equal(t, []Bucket{
		{Range: BucketNone}, {Range: Bucket1To5}, {Range: Bucket6To20}, {Range: BucketOver20},
	}, st.Distribution)
}

func TestListEmptyStore(t *testing.T) {
	engine := NewQueryEngine(migrated(t))

	page, err := engine.List(context.Background(), PageParams{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.NotNil(t, page.Results)
	assert.Empty(t, page.Results)
}

func TestTopDepartmentsTieBreakByName(t *testing.T) {
	gdb := migrated(t)
	insert(t, gdb,
		lic("Nariño", "Pasto", 3, 0, 0),
		lic("Caldas", "Manizales", 3, 0, 0),
		lic("Meta", "Villavicencio", 3, 0, 0),
	)
	st, err := NewQueryEngine(gdb).Statistics(context.Background())
	require.NoError(t, err)

	var names []string
	for _, d := range st.TopDepartments {
		names = append(names, d.Department)
	}
	assert.Equal(t, []string{"Caldas", "Meta", "Nariño"}, names)
}

func TestStatisticsCachedPerGeneration(t *testing.T) {
	ctx := context.Background()
	gdb := migrated(t)
	insert(t, gdb, lic("Cauca", "Popayan", 1, 1, 1))
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := recordRun(t, gdb, t0, 1)

	mem := cache.NewMemory(8)
	engine := NewQueryEngine(gdb, WithStatsCache(mem, time.Hour))

	st, err := engine.Statistics(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Generation)
	assert.Equal(t, first.ID, st.Generation.ID)
	assert.Equal(t, int64(3), st.Totals.Licenses)

	// Rows written outside a load run do not invalidate the cached result.
	require.NoError(t, gdb.Model(&License{}).Where("id = ?", 1).Update("total", 50).Error)
	st, err = engine.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Totals.Licenses)

	second := recordRun(t, gdb, t0.Add(time.Hour), 1)
	st, err = engine.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, st.Generation.ID)
	assert.Equal(t, int64(50), st.Totals.Licenses)
}

func TestDistributionStableOnTies(t *testing.T) {
	got := distribution(histogramRow{None: 2, Low: 5, Mid: 2, High: 5})
	assert.Equal(t, []Bucket{
		{Range: Bucket1To5, Municipalities: 5},
		{Range: BucketOver20, Municipalities: 5},
		{Range: BucketNone, Municipalities: 2},
		{Range: Bucket6To20, Municipalities: 2},
	}, got)
}

func TestGeneration(t *testing.T) {
	ctx := context.Background()
	gdb := migrated(t)
	engine := NewQueryEngine(gdb)

	gen, err := engine.Generation(ctx)
	require.NoError(t, err)
	assert.Nil(t, gen)

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	recordRun(t, gdb, t0.Add(time.Hour), 4)
	older := recordRun(t, gdb, t0, 3)

	gen, err = engine.Generation(ctx)
	require.NoError(t, err)
	require.NotNil(t, gen)
	assert.NotEqual(t, older.ID, gen.ID)
	assert.Equal(t, 4, gen.Loaded)
}

func TestReadsIgnoreUncommittedLoad(t *testing.T) {
	ctx := context.Background()
	gdb := migrated(t)
	insert(t, gdb, lic("Cauca", "Toribio", 4, 3, 1), lic("Meta", "Granada", 1, 0, 0))
	old := recordRun(t, gdb, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 2)
	engine := NewQueryEngine(gdb)

	// A replacement load in flight: rows deleted, a new row and run written,
	// nothing committed.
	tx := gdb.Begin()
	require.NoError(t, tx.Error)
	t.Cleanup(func() { tx.Rollback() })
	require.NoError(t, tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&License{}).Error)
	next := lic("Narino", "Pasto", 9, 9, 9)
	next.ID = 1
	next.LoadedAt = time.Now().UTC()
	require.NoError(t, tx.Create(&next).Error)
	require.NoError(t, tx.Create(&LoadRun{
		ID:          uuid.New(),
		StartedAt:   time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		FinishedAt:  time.Date(2026, 3, 2, 0, 0, 1, 0, time.UTC),
		Loaded:      1,
		TotalPolicy: "source",
	}).Error)

	page, err := engine.List(ctx, PageParams{})
	require.NoError(t, err)
	require.Equal(t, int64(2), page.Total)
	assert.Equal(t, "Toribio", page.Results[0].Municipality)

	st, err := engine.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Totals.Municipalities)
	assert.Equal(t, int64(9), st.Totals.Licenses)
	require.NotNil(t, st.Generation)
	assert.Equal(t, old.ID, st.Generation.ID)

	require.NoError(t, tx.Rollback().Error)
	page, err = engine.List(ctx, PageParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
}

package licenses

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/cannabis-licenses/internal/cache"
	"github.com/EmpoweredVote/cannabis-licenses/internal/db"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Sortable fields accepted by Search, keyed by their wire name.
var sortColumns = map[string]string{
	"no_psico": "no_psico",
	"psico":    "psico",
	"semillas": "semillas",
	"total":    "total",
}

// SortFields lists the wire names accepted as Search ordering.
func SortFields() []string {
	return []string{"no_psico", "psico", "semillas", "total"}
}

// PageParams selects a window of an ordered result set.
type PageParams struct {
	Skip  int
	Limit int
}

// SearchParams filters the record set. Zero values disable a filter.
type SearchParams struct {
	PageParams
	// Query is matched case-insensitively as a substring of the department
	// or the municipality.
	Query string
	// Department must match exactly once normalized like the stored names.
	Department string
	MinTotal   *int64
	MaxTotal   *int64
	// OrderBy is one of SortFields; anything else orders by total.
	OrderBy string
}

// Page is one window of results plus the size of the whole result set.
type Page struct {
	Results    []License `json:"resultados"`
	Total      int64     `json:"total"`
	PageNumber int       `json:"pagina"`
	PerPage    int       `json:"por_pagina"`
}

// QueryEngine answers read-only queries over the stored records. Every
// method reads inside a single transaction so a response never mixes two
// load generations.
type QueryEngine struct {
	gdb          *gorm.DB
	log          *zap.Logger
	cache        cache.Cache
	cacheTTL     time.Duration
	defaultLimit int
	maxLimit     int
}

// QueryOption configures a QueryEngine.
type QueryOption func(*QueryEngine)

// WithLimits sets the default and maximum page sizes.
func WithLimits(defaultLimit, maxLimit int) QueryOption {
	return func(q *QueryEngine) {
		if maxLimit > 0 {
			q.maxLimit = maxLimit
		}
		if defaultLimit > 0 {
			q.defaultLimit = defaultLimit
		}
	}
}

// WithStatsCache caches Statistics per load generation.
func WithStatsCache(c cache.Cache, ttl time.Duration) QueryOption {
	return func(q *QueryEngine) {
		if c != nil {
			q.cache = c
			q.cacheTTL = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) QueryOption {
	return func(q *QueryEngine) {
		if l != nil {
			q.log = l
		}
	}
}

// NewQueryEngine builds a QueryEngine over gdb.
func NewQueryEngine(gdb *gorm.DB, opts ...QueryOption) *QueryEngine {
	q := &QueryEngine{
		gdb:          gdb,
		log:          zap.NewNop(),
		cache:        cache.Noop{},
		defaultLimit: DefaultLimit,
		maxLimit:     MaxLimit,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.defaultLimit > q.maxLimit {
		q.defaultLimit = q.maxLimit
	}
	return q
}

// MaxLimit is the largest page size this engine serves.
func (q *QueryEngine) MaxLimit() int { return q.maxLimit }

// List returns records ordered by total descending. Ties are broken by id so
// that stepping Skip by Limit visits every record exactly once.
func (q *QueryEngine) List(ctx context.Context, p PageParams) (Page, error) {
	return q.Search(ctx, SearchParams{PageParams: p})
}

// Search applies the filters in p and returns the requested page.
func (q *QueryEngine) Search(ctx context.Context, p SearchParams) (Page, error) {
	p.PageParams = q.clamp(p.PageParams)
	orderCol, ok := sortColumns[p.OrderBy]
	if !ok {
		orderCol = "total"
	}

	page := Page{
		PageNumber: p.Skip/p.Limit + 1,
		PerPage:    p.Limit,
	}
	err := q.read(ctx, func(tx *gorm.DB) error {
		if err := q.filtered(tx, p).Count(&page.Total).Error; err != nil {
			return fmt.Errorf("count: %w", err)
		}
		return q.filtered(tx, p).
			Order(orderCol + " DESC").
			Order("id ASC").
			Offset(p.Skip).
			Limit(p.Limit).
			Find(&page.Results).Error
	})
	if err != nil {
		return Page{}, fmt.Errorf("search licenses: %w", err)
	}
	if page.Results == nil {
		page.Results = []License{}
	}
	return page, nil
}

// GetByID returns the record with the given id in the current generation.
func (q *QueryEngine) GetByID(ctx context.Context, id int) (License, error) {
	return q.getOne(ctx, "id = ?", id)
}

// GetByKey returns the record with the given stable key.
func (q *QueryEngine) GetByKey(ctx context.Context, key uuid.UUID) (License, error) {
	return q.getOne(ctx, "clave = ?", key)
}

func (q *QueryEngine) getOne(ctx context.Context, cond string, arg any) (License, error) {
	var l License
	err := q.gdb.WithContext(ctx).Where(cond, arg).Take(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return License{}, ErrNotFound
	}
	if err != nil {
		return License{}, fmt.Errorf("get license: %w", err)
	}
	return l, nil
}

// Generation returns the most recent load run, or nil when nothing has been
// loaded through the pipeline yet.
func (q *QueryEngine) Generation(ctx context.Context) (*LoadRun, error) {
	return latestRun(q.gdb.WithContext(ctx))
}

func latestRun(tx *gorm.DB) (*LoadRun, error) {
	var run LoadRun
	err := tx.Order("finished_at DESC").Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest load run: %w", err)
	}
	return &run, nil
}

func (q *QueryEngine) clamp(p PageParams) PageParams {
	if p.Skip < 0 {
		p.Skip = 0
	}
	if p.Limit < 1 {
		p.Limit = q.defaultLimit
	}
	if p.Limit > q.maxLimit {
		p.Limit = q.maxLimit
	}
	return p
}

func (q *QueryEngine) filtered(tx *gorm.DB, p SearchParams) *gorm.DB {
	stmt := tx.Model(&License{})
	if term := strings.TrimSpace(p.Query); term != "" {
		pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
		stmt = stmt.Where(`(LOWER(departamento) LIKE ? ESCAPE '\' OR LOWER(municipio) LIKE ? ESCAPE '\')`, pattern, pattern)
	}
	if dept := NormalizeName(p.Department); dept != "" {
		stmt = stmt.Where("departamento = ?", dept)
	}
	if p.MinTotal != nil {
		stmt = stmt.Where("total >= ?", *p.MinTotal)
	}
	if p.MaxTotal != nil {
		stmt = stmt.Where("total <= ?", *p.MaxTotal)
	}
	return stmt
}

// read runs fn in a read-only transaction. PostgreSQL needs REPEATABLE READ
// for all statements to share one snapshot; SQLite transactions already do.
func (q *QueryEngine) read(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var opts []*sql.TxOptions
	if db.IsPostgres(q.gdb) {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	}
	return q.gdb.WithContext(ctx).Transaction(fn, opts...)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

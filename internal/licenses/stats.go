package licenses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/cannabis-licenses/internal/cache"
)

// Histogram bucket labels, in their natural order.
const (
	BucketNone   = "Sin licencias"
	Bucket1To5   = "1-5"
	Bucket6To20  = "6-20"
	BucketOver20 = "Más de 20"
)

const topDepartmentsLimit = 5

// Totals aggregates the whole record set.
type Totals struct {
	Municipalities         int64   `gorm:"column:municipalities" json:"total_municipios"`
	Licenses               int64   `gorm:"column:licenses" json:"total_licencias"`
	NonPsychoactive        int64   `gorm:"column:non_psychoactive" json:"total_no_psico"`
	Psychoactive           int64   `gorm:"column:psychoactive" json:"total_psico"`
	Seeds                  int64   `gorm:"column:seeds" json:"total_semillas"`
	AveragePerMunicipality float64 `gorm:"column:average" json:"promedio_por_municipio"`
}

// DepartmentTotal is the summed total of one department.
type DepartmentTotal struct {
	Department string `gorm:"column:department" json:"departamento"`
	Licenses   int64  `gorm:"column:licenses" json:"total_licencias"`
}

// Bucket counts municipalities whose total falls in Range.
type Bucket struct {
	Range          string `json:"rango"`
	Municipalities int64  `json:"cantidad_municipios"`
}

// Statistics is the response of QueryEngine.Statistics.
type Statistics struct {
	Totals         Totals            `json:"totales"`
	TopDepartments []DepartmentTotal `json:"top_departamentos"`
	Distribution   []Bucket          `json:"distribucion_rangos"`
	Generation     *LoadRun          `json:"carga,omitempty"`
}

type histogramRow struct {
	None int64 `gorm:"column:b_none"`
	Low  int64 `gorm:"column:b_low"`
	Mid  int64 `gorm:"column:b_mid"`
	High int64 `gorm:"column:b_high"`
}

// Statistics computes totals, the top departments (ties by name) and the
// municipality histogram. Results are cached per load generation.
func (q *QueryEngine) Statistics(ctx context.Context) (Statistics, error) {
	gen, err := q.Generation(ctx)
	if err != nil {
		return Statistics{}, err
	}
	if gen != nil {
		if st, ok := q.cachedStats(ctx, gen); ok {
			return st, nil
		}
	}

	var st Statistics
	err = q.read(ctx, func(tx *gorm.DB) error {
		var err error
		if st.Generation, err = latestRun(tx); err != nil {
			return err
		}
		if err := tx.Model(&License{}).Select(
			"COUNT(*) AS municipalities, " +
				"COALESCE(SUM(total), 0) AS licenses, " +
				"COALESCE(SUM(no_psico), 0) AS non_psychoactive, " +
				"COALESCE(SUM(psico), 0) AS psychoactive, " +
				"COALESCE(SUM(semillas), 0) AS seeds, " +
				"CAST(COALESCE(AVG(total), 0) AS DOUBLE PRECISION) AS average",
		).Scan(&st.Totals).Error; err != nil {
			return fmt.Errorf("totals: %w", err)
		}

		if err := tx.Model(&License{}).
			Select("departamento AS department, COALESCE(SUM(total), 0) AS licenses").
			Group("departamento").
			Order("licenses DESC").
			Order("departamento ASC").
			Limit(topDepartmentsLimit).
			Scan(&st.TopDepartments).Error; err != nil {
			return fmt.Errorf("top departments: %w", err)
		}

		var h histogramRow
		if err := tx.Model(&License{}).Select(
			"COALESCE(SUM(CASE WHEN total = 0 THEN 1 ELSE 0 END), 0) AS b_none, " +
				"COALESCE(SUM(CASE WHEN total BETWEEN 1 AND 5 THEN 1 ELSE 0 END), 0) AS b_low, " +
				"COALESCE(SUM(CASE WHEN total BETWEEN 6 AND 20 THEN 1 ELSE 0 END), 0) AS b_mid, " +
				"COALESCE(SUM(CASE WHEN total > 20 THEN 1 ELSE 0 END), 0) AS b_high",
		).Scan(&h).Error; err != nil {
			return fmt.Errorf("distribution: %w", err)
		}
		st.Distribution = distribution(h)
		return nil
	})
	if err != nil {
		return Statistics{}, fmt.Errorf("statistics: %w", err)
	}
	if st.TopDepartments == nil {
		st.TopDepartments = []DepartmentTotal{}
	}

	if st.Generation != nil {
		q.storeStats(ctx, st)
	}
	return st, nil
}

// distribution always reports all four buckets, largest first; equal counts
// keep the natural bucket order.
func distribution(h histogramRow) []Bucket {
	out := []Bucket{
		{Range: BucketNone, Municipalities: h.None},
		{Range: Bucket1To5, Municipalities: h.Low},
		{Range: Bucket6To20, Municipalities: h.Mid},
		{Range: BucketOver20, Municipalities: h.High},
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Municipalities > out[j].Municipalities
	})
	return out
}

func statsKey(gen *LoadRun) string {
	return "estadisticas:" + gen.ID.String()
}

func (q *QueryEngine) cachedStats(ctx context.Context, gen *LoadRun) (Statistics, bool) {
	b, err := q.cache.Get(ctx, statsKey(gen))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			q.log.Warn("statistics cache read failed", zap.Error(err))
		}
		return Statistics{}, false
	}
	var st Statistics
	if err := json.Unmarshal(b, &st); err != nil {
		q.log.Warn("statistics cache entry unreadable", zap.Error(err))
		return Statistics{}, false
	}
	return st, true
}

func (q *QueryEngine) storeStats(ctx context.Context, st Statistics) {
	b, err := json.Marshal(st)
	if err != nil {
		q.log.Warn("statistics not cacheable", zap.Error(err))
		return
	}
	if err := q.cache.Set(ctx, statsKey(st.Generation), b, q.cacheTTL); err != nil {
		q.log.Warn("statistics cache write failed", zap.Error(err))
	}
}

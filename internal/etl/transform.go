package etl

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/EmpoweredVote/cannabis-licenses/internal/config"
	"github.com/EmpoweredVote/cannabis-licenses/internal/licenses"
)

// Source field names.
const (
	FieldDepartment      = "departamento"
	FieldMunicipality    = "municipio"
	FieldNonPsychoactive = "no_psico"
	FieldPsychoactive    = "psico"
	FieldSeeds           = "semillas"
	FieldTotal           = "total"
)

// RequiredFields must each appear in at least one row of a batch.
var RequiredFields = []string{
	FieldDepartment,
	FieldMunicipality,
	FieldNonPsychoactive,
	FieldPsychoactive,
	FieldSeeds,
	FieldTotal,
}

// Report counts what a transform did to its input.
type Report struct {
	Input           int `json:"input"`
	Output          int `json:"output"`
	Dropped         int `json:"dropped"`
	Coerced         int `json:"coerced"`
	TotalMismatches int `json:"total_mismatches"`
}

// Result is the typed record set ready for the Loader. IDs are dense from 1
// in (department, municipality) order; LoadedAt is left for the Loader.
type Result struct {
	Records []licenses.License
	Report  Report
}

// Transformer validates, coerces, normalizes and aggregates raw rows.
type Transformer struct {
	policy config.TotalPolicy
	log    *zap.Logger
}

func NewTransformer(policy config.TotalPolicy, log *zap.Logger) *Transformer {
	if policy == "" {
		policy = config.TotalFromSource
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transformer{policy: policy, log: log}
}

type groupKey struct {
	department   string
	municipality string
}

type group struct {
	noPsico, psico, semillas, total int64
}

// Transform is deterministic: the same input always yields the same records
// with the same ids and keys.
func (t *Transformer) Transform(rows []RawRecord) (Result, error) {
	if err := ValidateSchema(rows); err != nil {
		return Result{}, err
	}

	rep := Report{Input: len(rows)}
	groups := make(map[groupKey]*group)

	for _, row := range rows {
		k := groupKey{
			department:   licenses.NormalizeName(textValue(row[FieldDepartment])),
			municipality: licenses.NormalizeName(textValue(row[FieldMunicipality])),
		}
		if k.department == "" || k.municipality == "" {
			rep.Dropped++
			continue
		}

		g, ok := groups[k]
		if !ok {
			g = &group{}
			groups[k] = g
		}
		g.noPsico = rep.add(g.noPsico, rep.count(row, FieldNonPsychoactive))
		g.psico = rep.add(g.psico, rep.count(row, FieldPsychoactive))
		g.semillas = rep.add(g.semillas, rep.count(row, FieldSeeds))
		g.total = rep.add(g.total, rep.count(row, FieldTotal))
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].department != keys[j].department {
			return keys[i].department < keys[j].department
		}
		return keys[i].municipality < keys[j].municipality
	})

	records := make([]licenses.License, 0, len(keys))
	for i, k := range keys {
		g := groups[k]
		rec := licenses.License{
			ID:              i + 1,
			Key:             licenses.KeyFor(k.department, k.municipality),
			Department:      k.department,
			Municipality:    k.municipality,
			NonPsychoactive: g.noPsico,
			Psychoactive:    g.psico,
			Seeds:           g.semillas,
			Total:           g.total,
		}
		if sum := rec.ComponentSum(); sum != rec.Total {
			rep.TotalMismatches++
			t.log.Debug("total differs from component sum",
				zap.String("departamento", k.department),
				zap.String("municipio", k.municipality),
				zap.Int64("total", rec.Total),
				zap.Int64("component_sum", sum),
			)
			if t.policy == config.TotalRecomputed {
				rec.Total = sum
			}
		}
		records = append(records, rec)
	}
	rep.Output = len(records)

	if rep.TotalMismatches > 0 {
		t.log.Warn("source totals disagree with component sums",
			zap.Int("records", rep.TotalMismatches),
			zap.String("total_policy", string(t.policy)),
		)
	}
	if rep.Dropped > 0 {
		t.log.Warn("dropped rows without department or municipality", zap.Int("rows", rep.Dropped))
	}
	return Result{Records: records, Report: rep}, nil
}

// ValidateSchema checks RequiredFields against the union of keys present in
// rows. An empty batch has no fields at all.
func ValidateSchema(rows []RawRecord) error {
	seen := make(map[string]struct{}, len(RequiredFields))
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
		if len(seen) >= len(RequiredFields) && hasAll(seen) {
			return nil
		}
	}
	var missing []string
	for _, f := range RequiredFields {
		if _, ok := seen[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &SchemaError{Missing: missing}
}

func hasAll(seen map[string]struct{}) bool {
	for _, f := range RequiredFields {
		if _, ok := seen[f]; !ok {
			return false
		}
	}
	return true
}

// count reads a non-negative integer from row[field]. Values that are absent,
// null, unparseable, non-finite or negative become 0; fractional values are
// truncated toward zero. Every such repair is counted.
func (r *Report) count(row RawRecord, field string) int64 {
	n, exact := toCount(row[field])
	if !exact {
		r.Coerced++
	}
	return n
}

// add sums two non-negative counts, saturating at math.MaxInt64. A clamped
// sum is counted as a repair.
func (r *Report) add(a, b int64) int64 {
	if a > math.MaxInt64-b {
		r.Coerced++
		return math.MaxInt64
	}
	return a + b
}

func toCount(v any) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		return parseCount(x.String())
	case string:
		return parseCount(x)
	case float64:
		return fromFloat(x)
	case int:
		return fromInt(int64(x))
	case int64:
		return fromInt(x)
	default:
		return 0, false
	}
}

func parseCount(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromInt(n)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return fromFloat(f)
}

func fromInt(n int64) (int64, bool) {
	if n < 0 {
		return 0, false
	}
	return n, true
}

func fromFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f >= math.MaxInt64 {
		return 0, false
	}
	t := math.Trunc(f)
	return int64(t), t == f
}

// textValue stringifies a name field; numbers keep their source spelling.
func textValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

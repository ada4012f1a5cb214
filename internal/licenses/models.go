package licenses

import (
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/schema"
)

// License holds the license counts of one municipality. ID is dense and
// reassigned on every load; Key is derived from the normalized names and
// survives reloads.
type License struct {
	ID              int       `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Key             uuid.UUID `gorm:"column:clave;type:uuid;not null;uniqueIndex:idx_licencias_clave" json:"clave"`
	Department      string    `gorm:"column:departamento;not null;index:idx_licencias_departamento;uniqueIndex:idx_licencias_departamento_municipio,priority:1" json:"departamento"`
	Municipality    string    `gorm:"column:municipio;not null;uniqueIndex:idx_licencias_departamento_municipio,priority:2" json:"municipio"`
	NonPsychoactive int64     `gorm:"column:no_psico;not null" json:"no_psico"`
	Psychoactive    int64     `gorm:"column:psico;not null" json:"psico"`
	Seeds           int64     `gorm:"column:semillas;not null" json:"semillas"`
	Total           int64     `gorm:"column:total;not null;index:idx_licencias_total,sort:desc" json:"total"`
	LoadedAt        time.Time `gorm:"column:fecha_actualizacion;not null" json:"fecha_actualizacion"`
}

func (License) TableName(namer schema.Namer) string {
	return namer.TableName("licencias")
}

// ComponentSum is no_psico + psico + semillas, saturating at math.MaxInt64.
func (l License) ComponentSum() int64 {
	sum := l.NonPsychoactive
	for _, n := range []int64{l.Psychoactive, l.Seeds} {
		if sum > math.MaxInt64-n {
			return math.MaxInt64
		}
		sum += n
	}
	return sum
}

// LoadRun describes one successful load generation. It is written in the
// same transaction as the records it describes.
type LoadRun struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StartedAt       time.Time `gorm:"not null" json:"started_at"`
	FinishedAt      time.Time `gorm:"not null;index:idx_cargas_finished_at,sort:desc" json:"finished_at"`
	Extracted       int       `gorm:"not null" json:"extracted"`
	Loaded          int       `gorm:"not null" json:"loaded"`
	Dropped         int       `gorm:"not null" json:"dropped"`
	Coerced         int       `gorm:"not null" json:"coerced"`
	TotalMismatches int       `gorm:"not null" json:"total_mismatches"`
	TotalPolicy     string    `gorm:"not null" json:"total_policy"`
}

func (LoadRun) TableName(namer schema.Namer) string {
	return namer.TableName("cargas")
}

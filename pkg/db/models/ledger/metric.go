package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	MetricStatusOK               = "ok"
	MetricStatusInsufficientData = "insufficient_data"
)

// SustainabilityMetric is a derived, reproducible community health reading.
type SustainabilityMetric struct {
	Community    string          `json:"community"`
	SSI          decimal.Decimal `json:"ssi"`
	SuspectLevel int             `json:"suspect_level"`
	SampleSize   int             `json:"sample_size"`
	Status       string          `json:"status"`
	AsOf         time.Time       `json:"as_of"`
	ComputedAt   time.Time       `json:"computed_at"`
}

// Sufficient reports whether the reading is backed by data.
func (m SustainabilityMetric) Sufficient() bool { return m.Status == MetricStatusOK }

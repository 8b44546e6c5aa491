package aggregate

import (
	"fmt"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/historian/internal/errors"
)

// DefaultAccuracy is the default relative accuracy of percentile sketches (1%).
const DefaultAccuracy = 0.01

// Percentiles are quantiles of the sample values inside a period.
type Percentiles struct {
	P50 float64
	P90 float64
	P95 float64
	P99 float64
}

// ValidateAccuracy checks a relative sketch accuracy. Zero disables
// percentiles; any other value must lie strictly between 0 and 1.
func ValidateAccuracy(accuracy float64) error {
	if accuracy == 0 {
		return nil
	}
	if !(accuracy > 0 && accuracy < 1) {
		return errors.NewValidation("percentile accuracy", fmt.Sprintf("%v is not between 0 and 1", accuracy))
	}
	return nil
}

// NewSketch returns an empty DDSketch with the given relative accuracy.
// A non-positive accuracy selects DefaultAccuracy.
func NewSketch(accuracy float64) (*ddsketch.DDSketch, error) {
	if accuracy <= 0 {
		accuracy = DefaultAccuracy
	}
	return ddsketch.NewDefaultDDSketch(accuracy)
}

// PercentilesOf reads P50/P90/P95/P99 from s. It returns nil for a nil or
// empty sketch.
func PercentilesOf(s *ddsketch.DDSketch) *Percentiles {
	if s == nil || s.IsEmpty() {
		return nil
	}
	p50, _ := s.GetValueAtQuantile(0.50)
	p90, _ := s.GetValueAtQuantile(0.90)
	p95, _ := s.GetValueAtQuantile(0.95)
	p99, _ := s.GetValueAtQuantile(0.99)
	return &Percentiles{P50: p50, P90: p90, P95: p95, P99: p99}
}

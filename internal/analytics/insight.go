package analytics

import (
	"fmt"

	"github.com/lox/citypulse/internal/models"
)

// Insight names a city's highest and lowest raw metrics.
type Insight struct {
	City           string  `json:"city"`
	Strongest      string  `json:"strongest"`
	StrongestValue float64 `json:"strongest_value"`
	Weakest        string  `json:"weakest"`
	WeakestValue   float64 `json:"weakest_value"`
}

// ExtractInsight scans the city's metrics in canonical order; the first metric
// reaching an extreme wins ties.
func ExtractInsight(t *models.MetricTable, city string) (Insight, error) {
	row, ok := t.Row(city)
	if !ok {
		return Insight{}, fmt.Errorf("insight for %q: %w", city, ErrNotFound)
	}
	metrics := t.Metrics()

	hi, lo := 0, 0
	for i, v := range row.Values {
		if v > row.Values[hi] {
			hi = i
		}
		if v < row.Values[lo] {
			lo = i
		}
	}
	return Insight{
		City:           city,
		Strongest:      metrics[hi],
		StrongestValue: row.Values[hi],
		Weakest:        metrics[lo],
		WeakestValue:   row.Values[lo],
	}, nil
}

package analytics

import (
	"fmt"

	"github.com/lox/citypulse/internal/models"
	"gonum.org/v1/gonum/floats"
)

type Twin struct {
	City     string  `json:"city"`
	Twin     string  `json:"twin"`
	Distance float64 `json:"distance"`
}

type CityDistance struct {
	City     string  `json:"city"`
	Distance float64 `json:"distance"`
}

// Distances returns the Euclidean distance in raw metric space from city to
// every row, in table order, including the city itself at distance 0. The
// slice is allocated per call; the table is never written.
func Distances(t *models.MetricTable, city string) ([]CityDistance, error) {
	query, ok := t.Row(city)
	if !ok {
		return nil, fmt.Errorf("distances from %q: %w", city, ErrNotFound)
	}
	rows := t.Rows()
	out := make([]CityDistance, len(rows))
	for i, r := range rows {
		out[i] = CityDistance{City: r.City, Distance: floats.Distance(query.Values, r.Values, 2)}
	}
	return out, nil
}

// FindTwin returns the city closest to the query city, excluding itself. Ties
// resolve to the first city in table order.
func FindTwin(t *models.MetricTable, city string) (Twin, error) {
	dists, err := Distances(t, city)
	if err != nil {
		return Twin{}, fmt.Errorf("find twin: %w", err)
	}
	if t.Len() < 2 {
		return Twin{}, fmt.Errorf("find twin for %q: table has %d cities: %w", city, t.Len(), ErrUnavailable)
	}

	best := -1
	for i, d := range dists {
		if d.City == city {
			continue
		}
		if best < 0 || d.Distance < dists[best].Distance {
			best = i
		}
	}
	return Twin{City: city, Twin: dists[best].City, Distance: dists[best].Distance}, nil
}

package analytics

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Scaler holds per-column sample mean and standard deviation fitted over one
// matrix. Columns without spread transform to 0.
type Scaler struct {
	metrics  []string
	mean     []float64
	std      []float64
	constant []bool
}

// FitScaler fits column statistics over rows of equal width. metrics names the
// columns and is only used for reporting.
func FitScaler(metrics []string, matrix [][]float64) (*Scaler, error) {
	if len(matrix) == 0 {
		return nil, fmt.Errorf("fit scaler: empty matrix: %w", ErrUnavailable)
	}
	width := len(metrics)
	s := &Scaler{
		metrics:  append([]string(nil), metrics...),
		mean:     make([]float64, width),
		std:      make([]float64, width),
		constant: make([]bool, width),
	}
	col := make([]float64, len(matrix))
	for j := 0; j < width; j++ {
		for i, row := range matrix {
			if len(row) != width {
				return nil, fmt.Errorf("fit scaler: row %d has %d columns, want %d", i, len(row), width)
			}
			col[i] = row[j]
		}
		if len(col) < 2 || floats.Max(col) == floats.Min(col) {
			s.mean[j] = stat.Mean(col, nil)
			s.constant[j] = true
			continue
		}
		s.mean[j], s.std[j] = stat.MeanStdDev(col, nil)
	}
	return s, nil
}

// Transform returns z-scores for each row in a freshly allocated matrix.
func (s *Scaler) Transform(matrix [][]float64) [][]float64 {
	out := make([][]float64, len(matrix))
	for i, row := range matrix {
		z := make([]float64, len(s.mean))
		for j := range z {
			if s.constant[j] {
				continue
			}
			z[j] = (row[j] - s.mean[j]) / s.std[j]
		}
		out[i] = z
	}
	return out
}

func (s *Scaler) Mean() []float64 { return append([]float64(nil), s.mean...) }

// StdDev returns the fitted sample standard deviations; zero-variance columns report 0.
func (s *Scaler) StdDev() []float64 { return append([]float64(nil), s.std...) }

// ZeroVariance lists the metrics that had no spread across rows.
func (s *Scaler) ZeroVariance() []string {
	var out []string
	for j, c := range s.constant {
		if c {
			out = append(out, s.metrics[j])
		}
	}
	return out
}

// Standardize fits a scaler over the matrix and transforms it in one pass.
func Standardize(metrics []string, matrix [][]float64) ([][]float64, *Scaler, error) {
	s, err := FitScaler(metrics, matrix)
	if err != nil {
		return nil, nil, err
	}
	return s.Transform(matrix), s, nil
}

package forecast

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// maxPhi bounds the AR coefficient inside the stationary region so a trending
// series cannot push the likelihood to a unit root.
const maxPhi = 0.999

var (
	ErrTooShort    = errors.New("series too short")
	ErrNoVariation = errors.New("series has no variation")
	ErrNonFinite   = errors.New("non-finite value")
	ErrFitFailed   = errors.New("fit failed")
)

// ARIMA110 is an AR(1) model without constant fitted to the first difference
// of a series, i.e. ARIMA order (1,1,0).
type ARIMA110 struct {
	Phi    float64 `json:"phi"`
	Sigma2 float64 `json:"sigma2"`
	LogLik float64 `json:"log_likelihood"`
	N      int     `json:"n"`

	lastLevel float64
	lastDiff  float64
}

// FitARIMA110 estimates phi by exact Gaussian maximum likelihood of the
// differenced series with sigma² concentrated out.
func FitARIMA110(values []float64) (*ARIMA110, error) {
	if len(values) < MinObservations {
		return nil, fmt.Errorf("fit arima: %d observations, need %d: %w", len(values), MinObservations, ErrTooShort)
	}
	for _, v := range values {
		if !finite(v) {
			return nil, fmt.Errorf("fit arima: %w", ErrNonFinite)
		}
	}

	diffs := make([]float64, len(values)-1)
	var ss float64
	for i := range diffs {
		diffs[i] = values[i+1] - values[i]
		ss += diffs[i] * diffs[i]
	}
	if ss == 0 {
		return nil, fmt.Errorf("fit arima: %w", ErrNoVariation)
	}

	nll := func(x []float64) float64 {
		return negLogLik(diffs, boundPhi(x[0]))
	}
	theta0 := math.Atanh(clsPhi(diffs) / maxPhi)
	res, err := optimize.Minimize(optimize.Problem{Func: nll}, []float64{theta0}, &optimize.Settings{
		MajorIterations: 500,
		Converger:       &optimize.FunctionConverge{Absolute: 1e-10, Iterations: 50},
	}, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("fit arima: %w: %v", ErrFitFailed, err)
	}

	phi := boundPhi(res.X[0])
	sigma2 := innovationVariance(diffs, phi)
	if !finite(phi) || !finite(sigma2) || !finite(res.F) {
		return nil, fmt.Errorf("fit arima: %w: non-finite estimate", ErrFitFailed)
	}
	if sigma2 <= 0 {
		return nil, fmt.Errorf("fit arima: %w", ErrNoVariation)
	}

	return &ARIMA110{
		Phi:       phi,
		Sigma2:    sigma2,
		LogLik:    -res.F - float64(len(diffs))/2*(1+math.Log(2*math.Pi)),
		N:         len(values),
		lastLevel: values[len(values)-1],
		lastDiff:  diffs[len(diffs)-1],
	}, nil
}

// Forecast returns point forecasts and their standard errors for the next
// steps periods.
func (m *ARIMA110) Forecast(steps int) (mean, stderr []float64) {
	mean = make([]float64, steps)
	stderr = make([]float64, steps)

	level := m.lastLevel
	diff := m.lastDiff
	var psi, pow, variance float64
	pow = 1
	for h := 0; h < steps; h++ {
		diff *= m.Phi
		level += diff
		mean[h] = level

		// psi_h = 1 + phi + ... + phi^h for the integrated process
		psi += pow
		pow *= m.Phi
		variance += psi * psi
		stderr[h] = math.Sqrt(m.Sigma2 * variance)
	}
	return mean, stderr
}

func boundPhi(theta float64) float64 {
	return maxPhi * math.Tanh(theta)
}

// clsPhi is the conditional least squares estimate, used as a starting point.
func clsPhi(y []float64) float64 {
	var num, den float64
	for t := 1; t < len(y); t++ {
		num += y[t] * y[t-1]
		den += y[t-1] * y[t-1]
	}
	if den == 0 {
		return 0
	}
	return math.Max(-0.9*maxPhi, math.Min(0.9*maxPhi, num/den))
}

func innovationVariance(y []float64, phi float64) float64 {
	ss := (1 - phi*phi) * y[0] * y[0]
	for t := 1; t < len(y); t++ {
		e := y[t] - phi*y[t-1]
		ss += e * e
	}
	return ss / float64(len(y))
}

func negLogLik(y []float64, phi float64) float64 {
	s2 := innovationVariance(y, phi)
	if s2 <= 0 {
		return math.Inf(1)
	}
	n := float64(len(y))
	return n/2*math.Log(s2) - 0.5*math.Log(1-phi*phi)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

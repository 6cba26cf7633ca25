// Package rewards tracks reward-score statistics and the KL-penalty coefficient
// used while shaping per-token rewards during experience collection.
package rewards

import "math"

// ScaleMode selects how terminal scores are rescaled before clipping.
type ScaleMode string

const (
	// ScaleNone leaves scores untouched. Unknown modes behave the same way.
	ScaleNone ScaleMode = ""

	// ScaleRunning divides scores by the running standard deviation.
	ScaleRunning ScaleMode = "running"

	// ScaleRef divides scores by a fixed reference standard deviation.
	ScaleRef ScaleMode = "ref"
)

// RunningMoments keeps a streaming estimate of the mean and standard deviation
// of reward scores across all rollout iterations seen so far. It is initialized
// once per trainer and never reset.
type RunningMoments struct {
	Mean  float64
	Std   float64
	Var   float64
	Count float64
}

// NewRunningMoments returns moments primed with a near-zero count, so the first
// update effectively adopts the first batch's statistics.
func NewRunningMoments() *RunningMoments {
	return &RunningMoments{Std: 1, Var: 1, Count: 1e-24}
}

// Update folds one batch of raw scores into the running moments using the
// parallel (Chan et al.) variance combination rule, and returns the batch's own
// mean and (Bessel-corrected) standard deviation.
func (m *RunningMoments) Update(xs []float64) (batchMean, batchStd float64) {
	xsCount := float64(len(xs))
	if xsCount == 0 {
		return 0, 0
	}
	xsMean, xsVar := meanVar(xs)

	delta := xsMean - m.Mean
	tot := m.Count + xsCount
	newSum := xsVar * xsCount
	oldSum := m.Var*m.Count + delta*delta*m.Count*xsCount/tot

	m.Mean += delta * xsCount / tot
	m.Var = (oldSum + newSum) / tot
	m.Std = math.Sqrt(m.Var * tot / (tot - 1))
	m.Count = tot

	if xsCount > 1 {
		batchStd = math.Sqrt(xsVar * xsCount / (xsCount - 1))
	}
	return xsMean, batchStd
}

// MeanStd returns the mean and Bessel-corrected standard deviation of xs.
func MeanStd(xs []float64) (mean, std float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	var popVar float64
	mean, popVar = meanVar(xs)
	if n > 1 {
		std = math.Sqrt(popVar * n / (n - 1))
	}
	return mean, std
}

// Scale divides every score by std. A zero std leaves scores untouched.
func Scale(scores []float64, std float64) {
	if std == 0 {
		return
	}
	for i := range scores {
		scores[i] /= std
	}
}

// Clip limits every score to the symmetric range [-limit, limit].
func Clip(scores []float64, limit float64) {
	for i, s := range scores {
		scores[i] = math.Max(-limit, math.Min(limit, s))
	}
}

// meanVar returns the mean and population (uncorrected) variance of xs.
func meanVar(xs []float64) (mean, variance float64) {
	n := float64(len(xs))
	for _, x := range xs {
		mean += x
	}
	mean /= n
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= n
	return
}

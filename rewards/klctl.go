package rewards

import "math"

// KLController provides the coefficient weighting the per-token KL penalty.
// The collector reads the coefficient once per rollout iteration; Update is
// driven by the PPO optimizer after each policy update.
type KLController interface {
	KL() float64
	Update(current float64, nSteps int)
}

// FixedKL keeps the KL coefficient constant.
type FixedKL struct {
	Value float64
}

func (f *FixedKL) KL() float64                        { return f.Value }
func (f *FixedKL) Update(current float64, nSteps int) {}

// AdaptiveKL adjusts the coefficient proportionally to how far the measured KL
// divergence strays from Target, spread over Horizon steps.
type AdaptiveKL struct {
	Value   float64
	Target  float64
	Horizon float64
}

func (a *AdaptiveKL) KL() float64 { return a.Value }

func (a *AdaptiveKL) Update(current float64, nSteps int) {
	proportional := current/a.Target - 1
	proportional = math.Max(-0.2, math.Min(0.2, proportional))
	a.Value *= 1 + proportional*float64(nSteps)/a.Horizon
}

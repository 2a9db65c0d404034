package train

// DefaultDecaySteps are the step thresholds at which the learning rate is
// multiplied by the decay factor once more.
var DefaultDecaySteps = []int64{
	200_000, 300_000, 360_000, 420_000, 480_000,
	540_000, 600_000, 700_000, 800_000, 900_000,
}

// DefaultDecayFactor is the per-threshold learning rate multiplier.
const DefaultDecayFactor = 1.0 / 3.0

// DecaySchedule computes the learning rate for a global step as the initial
// rate multiplied by factor once per threshold already passed. It is pure:
// the rate depends only on the step, so resuming from a checkpoint needs no
// schedule state.
type DecaySchedule struct {
	initial    float64
	factor     float64
	thresholds []int64
}

// NewDecaySchedule creates a piecewise-constant decay schedule. Thresholds
// must be sorted ascending; nil selects DefaultDecaySteps.
func NewDecaySchedule(initial, factor float64, thresholds []int64) *DecaySchedule {
	if thresholds == nil {
		thresholds = DefaultDecaySteps
	}
	return &DecaySchedule{
		initial:    initial,
		factor:     factor,
		thresholds: append([]int64{}, thresholds...),
	}
}

// ForWorkers returns a schedule whose thresholds are divided by the number
// of cooperating workers, so the decay points arrive after the same number
// of consumed samples regardless of the worker count.
func (s *DecaySchedule) ForWorkers(workers int) *DecaySchedule {
	if workers <= 1 {
		return s
	}
	scaled := make([]int64, len(s.thresholds))
	for ii, threshold := range s.thresholds {
		scaled[ii] = threshold / int64(workers)
	}
	return &DecaySchedule{initial: s.initial, factor: s.factor, thresholds: scaled}
}

// At returns the learning rate in effect at the given global step.
func (s *DecaySchedule) At(step int64) float64 {
	lr := s.initial
	for _, threshold := range s.thresholds {
		if step < threshold {
			break
		}
		lr *= s.factor
	}
	return lr
}

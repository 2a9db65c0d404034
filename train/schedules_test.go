package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecayScheduleAt(t *testing.T) {
	schedule := NewDecaySchedule(1e-4, 0.5, []int64{100, 200, 300})

	assert.Equal(t, 1e-4, schedule.At(0))
	assert.Equal(t, 1e-4, schedule.At(99))
	assert.Equal(t, 0.5e-4, schedule.At(100), "threshold step already decays")
	assert.Equal(t, 0.25e-4, schedule.At(200))
	assert.Equal(t, 0.125e-4, schedule.At(300))
	assert.Equal(t, 0.125e-4, schedule.At(1_000_000))
}

func TestDecayScheduleDefaults(t *testing.T) {
	schedule := NewDecaySchedule(1e-4, DefaultDecayFactor, nil)
	assert.Equal(t, 1e-4, schedule.At(199_999))
	assert.InDelta(t, 1e-4/3, schedule.At(200_000), 1e-12)
	// All ten thresholds passed.
	assert.InDelta(t, 1e-4/59049, schedule.At(900_000), 1e-15)
}

func TestDecayScheduleMonotone(t *testing.T) {
	schedule := NewDecaySchedule(1e-4, DefaultDecayFactor, nil)
	previous := schedule.At(0)
	for step := int64(0); step <= 1_000_000; step += 10_000 {
		lr := schedule.At(step)
		assert.LessOrEqual(t, lr, previous, "step %d", step)
		previous = lr
	}
}

func TestDecayScheduleForWorkers(t *testing.T) {
	schedule := NewDecaySchedule(1e-4, 0.5, []int64{100, 200})
	scaled := schedule.ForWorkers(4)

	// Decay points arrive four times earlier in steps.
	assert.Equal(t, 1e-4, scaled.At(24))
	assert.Equal(t, 0.5e-4, scaled.At(25))
	assert.Equal(t, 0.25e-4, scaled.At(50))

	// The original schedule is untouched.
	assert.Equal(t, 1e-4, schedule.At(25))

	// One worker is the identity.
	assert.Same(t, schedule, schedule.ForWorkers(1))
}

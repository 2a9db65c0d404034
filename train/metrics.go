package train

import (
	"fmt"
	"strings"
	"time"
)

// Metrics accumulates named running means between reports, plus step
// timing. It is not safe for concurrent use: one loop, one Metrics.
type Metrics struct {
	order  []string
	sums   map[string]float64
	counts map[string]int64

	steps     int64
	sinceWhen time.Time
}

// NewMetrics creates an empty metrics accumulator.
func NewMetrics() *Metrics {
	return &Metrics{
		sums:      make(map[string]float64),
		counts:    make(map[string]int64),
		sinceWhen: time.Now(),
	}
}

// Observe adds one observation of the named metric. Names report in the
// order they are first observed.
func (m *Metrics) Observe(name string, value float64) {
	if _, known := m.sums[name]; !known {
		m.order = append(m.order, name)
	}
	m.sums[name] += value
	m.counts[name]++
}

// ObserveStep records the metrics of one completed step.
func (m *Metrics) ObserveStep(result *StepResult) {
	m.steps++
	m.Observe("loss", float64(result.TotalLoss))
	m.Observe("task", float64(result.TaskLoss))
	if result.RegularizationLoss != 0 {
		m.Observe("reg", float64(result.RegularizationLoss))
	}
	if result.AdaptationLoss != 0 || result.DiscriminatorLoss != 0 {
		m.Observe("adapt", float64(result.AdaptationLoss))
		m.Observe("disc", float64(result.DiscriminatorLoss))
	}
}

// Mean returns the running mean of the named metric since the last Reset,
// or 0 if it was never observed.
func (m *Metrics) Mean(name string) float64 {
	if m.counts[name] == 0 {
		return 0
	}
	return m.sums[name] / float64(m.counts[name])
}

// Report formats one log line for the given step and learning rate, and
// resets the running means.
func (m *Metrics) Report(step int64, learningRate float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %d", step)
	fmt.Fprintf(&b, ", lr %.3g", learningRate)
	for _, name := range m.order {
		fmt.Fprintf(&b, ", %s %.5f", name, m.Mean(name))
	}
	elapsed := time.Since(m.sinceWhen)
	if m.steps > 0 && elapsed > 0 {
		fmt.Fprintf(&b, ", %.1f steps/s", float64(m.steps)/elapsed.Seconds())
	}
	m.Reset()
	return b.String()
}

// Reset clears the running means and restarts the timing window.
func (m *Metrics) Reset() {
	m.order = m.order[:0]
	m.sums = make(map[string]float64)
	m.counts = make(map[string]int64)
	m.steps = 0
	m.sinceWhen = time.Now()
}

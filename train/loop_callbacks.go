package train

import (
	"fmt"
	"time"
)

type everyNSteps struct {
	n, count int64
	fn       OnStepFn
}

func (eN *everyNSteps) onStep(loop *Loop, result *StepResult) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, result)
}

// EveryNSteps registers an OnStep hook that is called every N steps.
//
// Notice that it does not call fn at the last step (except by coincidence).
func EveryNSteps(loop *Loop, n int64, name string, priority Priority, fn OnStepFn) {
	eN := &everyNSteps{n: n, fn: fn}
	fullName := fmt.Sprintf("EveryNSteps(%d): %s", n, name)
	loop.OnStep(fullName, priority, eN.onStep)
}

// nTimes is used to implement NTimesDuringLoop.
type nTimes struct {
	n, nUsed int64
	fn       OnStepFn
}

func (nT *nTimes) onStep(loop *Loop, result *StepResult) error {
	stepsDone := result.GlobalStep - loop.StartStep
	if result.GlobalStep < loop.EndStep { // The last step is always included.
		totalSteps := loop.EndStep - loop.StartStep
		stepsPerCall := float64(totalSteps) / float64(nT.n)
		if stepsPerCall > 1 && float64(nT.nUsed) > float64(stepsDone)/stepsPerCall {
			return nil
		}
	}
	nT.nUsed++
	return nT.fn(loop, result)
}

// NTimesDuringLoop registers an OnStep hook that is called at most N times,
// split evenly across the run's steps. It always calls fn at the very last
// step.
func NTimesDuringLoop(loop *Loop, n int64, name string, priority Priority, fn OnStepFn) {
	nT := &nTimes{n: n, fn: fn}
	fullName := fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name)
	loop.OnStep(fullName, priority, nT.onStep)
}

type periodicCallback struct {
	last    time.Time
	period  time.Duration
	started bool
	fn      OnStepFn
}

func (p *periodicCallback) onStep(loop *Loop, result *StepResult) error {
	if !p.started {
		// Start the clock.
		p.started = true
		p.last = time.Now()
		return nil
	}
	if time.Since(p.last) < p.period {
		return nil
	}
	err := p.fn(loop, result)
	p.last = time.Now()
	return err
}

// PeriodicCallback registers an OnStep hook that is called at most once per
// period. The period counts after the execution of fn, discounting the time
// fn itself takes.
func PeriodicCallback(loop *Loop, period time.Duration, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStep(fullName, priority, p.onStep)
}

package train

import (
	"sort"
	"time"

	"github.com/Arxtage/hyperpose/pose"
	"github.com/pkg/errors"
)

// Priority for hooks, the lowest values run first. Defaults to 0, negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks, called after every completed step.
type OnStepFn func(loop *Loop, result *StepResult) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, result *StepResult) error

// BatchSource yields training batches. *Pipeline implements it.
type BatchSource interface {
	Next() (*pose.Batch, error)
}

// Loop drives a Trainer over a BatchSource until a target global step,
// invoking the registered hooks. In itself it doesn't do much; the
// checkpointing, logging, progress and visualization behaviors are attached
// as hooks.
//
// The public attributes are meant for reading only.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// StartStep is the global step at which the current run started.
	StartStep int64

	// EndStep is the target global step of the current run.
	EndStep int64

	// StepDurations collected during the run.
	StepDurations []time.Duration

	// LastBatch is the batch consumed by the most recent step, available to
	// OnStep hooks.
	LastBatch *pose.Batch

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a training loop around the trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer: trainer,
		onStart: newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:  newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:   newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// OnStart adds a hook with the given priority and name (for error
// reporting) to the start of a run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook called after every completed training step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook called once after the last step of a run.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// RunUntil trains until the trainer's global step reaches targetStep. It
// picks up from the trainer's current (possibly restored) step, so resuming
// a run half-way through just runs the remaining steps.
func (loop *Loop) RunUntil(source BatchSource, targetStep int64) error {
	loop.StartStep = loop.Trainer.GlobalStep()
	loop.EndStep = targetStep
	if loop.StartStep >= targetStep {
		return errors.Errorf("training target step %d already reached at step %d",
			targetStep, loop.StartStep)
	}
	if err := loop.start(); err != nil {
		return err
	}
	loop.StepDurations = make([]time.Duration, 0, targetStep-loop.StartStep)

	var last *StepResult
	for loop.Trainer.GlobalStep() < targetStep {
		batch, err := source.Next()
		if err != nil {
			return errors.WithMessagef(err, "reading batch at step %d", loop.Trainer.GlobalStep())
		}
		result, err := loop.step(batch)
		if err != nil {
			return err
		}
		last = result
	}
	return loop.end(last)
}

func (loop *Loop) start() (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

func (loop *Loop) step(batch *pose.Batch) (*StepResult, error) {
	loop.LastBatch = batch
	startTime := time.Now()
	result, err := loop.Trainer.TrainStep(batch)
	loop.StepDurations = append(loop.StepDurations, time.Since(startTime))
	if err != nil {
		return nil, errors.WithMessagef(err, "train step %d", loop.Trainer.GlobalStep())
	}
	if !lossIsFinite(result.TotalLoss) {
		return nil, errors.Errorf("batch loss is %f at step %d, training interrupted",
			result.TotalLoss, result.GlobalStep)
	}
	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, &result)
		if err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (loop *Loop) end(result *StepResult) (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, result)
		if err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// MedianStepDuration returns the median duration of the training steps so
// far, or 1ms if none ran yet (to avoid division by zero downstream).
func (loop *Loop) MedianStepDuration() time.Duration {
	if len(loop.StepDurations) == 0 {
		return time.Millisecond
	}
	times := append([]time.Duration{}, loop.StepDurations...)
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2]
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks of type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate calls fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}

package train

import (
	"math"

	"github.com/Arxtage/hyperpose/checkpoints"
	"github.com/Arxtage/hyperpose/distributed"
	"github.com/Arxtage/hyperpose/optimizers"
	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/tensors"
	"github.com/pkg/errors"
)

// Phase is the lifecycle of a Trainer. Phases only move forward.
type Phase int

const (
	// PhaseUninitialized is a built but not yet started trainer.
	PhaseUninitialized Phase = iota
	// PhaseRestored means the initial state is in place (from a checkpoint
	// or fresh) but no step has run yet. In multi-worker runs the first
	// TrainStep broadcasts rank 0's parameters before updating.
	PhaseRestored
	// PhaseStepping means at least one step has run.
	PhaseStepping
)

// StepResult reports one completed training step.
type StepResult struct {
	// GlobalStep after the step completed.
	GlobalStep int64

	// LearningRate used by the step.
	LearningRate float64

	// Loss terms. Adaptation and Discriminator are zero when domain
	// adaptation is disabled.
	TaskLoss           float32
	RegularizationLoss float32
	AdaptationLoss     float32
	DiscriminatorLoss  float32

	// TotalLoss is the sum the model parameters were updated against.
	TotalLoss float32

	// Predictions of the step's forward pass, for visualization hooks.
	Predictions *pose.Predictions
}

// TrainerConfig configures a Trainer. Create it with NewTrainer, set the
// options and call Done.
type TrainerConfig struct {
	model       pose.Model
	optimizer   optimizers.Optimizer
	schedule    *DecaySchedule
	weightDecay float64

	collective distributed.Collective
	strategy   distributed.Strategy

	discriminator pose.Discriminator
	discOptimizer optimizers.Optimizer
}

// NewTrainer creates the configuration of a step executor for the given
// model and optimizer.
func NewTrainer(model pose.Model, optimizer optimizers.Optimizer, schedule *DecaySchedule) *TrainerConfig {
	return &TrainerConfig{model: model, optimizer: optimizer, schedule: schedule}
}

// WeightDecay sets the L2 regularization coefficient. Zero disables it.
// It returns the config so calls can be cascaded.
func (c *TrainerConfig) WeightDecay(wd float64) *TrainerConfig {
	c.weightDecay = wd
	return c
}

// Distributed attaches the multi-worker collective and the sync strategy.
// It returns the config so calls can be cascaded.
func (c *TrainerConfig) Distributed(collective distributed.Collective, strategy distributed.Strategy) *TrainerConfig {
	c.collective = collective
	c.strategy = strategy
	return c
}

// Adaptation enables adversarial domain adaptation with the given
// discriminator, updated by its own optimizer.
// It returns the config so calls can be cascaded.
func (c *TrainerConfig) Adaptation(discriminator pose.Discriminator, optimizer optimizers.Optimizer) *TrainerConfig {
	c.discriminator = discriminator
	c.discOptimizer = optimizer
	return c
}

// Done validates the configuration and builds the trainer.
func (c *TrainerConfig) Done() (*Trainer, error) {
	if c.model == nil || c.optimizer == nil || c.schedule == nil {
		return nil, errors.New("trainer requires a model, an optimizer and a schedule")
	}
	t := &Trainer{config: *c}
	// The sync strategy is bound once here; the hot loop only calls the
	// resulting closures.
	if c.collective != nil {
		switch c.strategy {
		case distributed.SyncSGD:
			t.aggregateGrads = c.collective.AllReduceMean
		case distributed.SyncAveraging:
			t.syncParams = c.collective.AllReduceMean
		case distributed.PairAveraging:
			t.syncParams = func(values []*tensors.Tensor) error {
				return c.collective.PairAverage(t.state.GlobalStep, values)
			}
		default:
			return nil, errors.Errorf("unknown sync strategy %d", c.strategy)
		}
	}
	if c.discriminator != nil {
		backprop, ok := c.model.(pose.FeatureBackprop)
		if !ok {
			return nil, errors.Errorf("domain adaptation requires model %q to support feature backpropagation",
				c.model.Name())
		}
		if c.discOptimizer == nil {
			return nil, errors.New("domain adaptation requires a discriminator optimizer")
		}
		t.backprop = backprop
	}
	c.optimizer.Prime(c.model.Parameters())
	if c.discriminator != nil {
		c.discOptimizer.Prime(c.discriminator.Parameters())
	}
	return t, nil
}

// Trainer executes training steps: forward pass, loss terms, gradient
// aggregation across workers and the parameter update.
type Trainer struct {
	config   TrainerConfig
	backprop pose.FeatureBackprop

	// Sync closures bound at build time, nil when not applicable:
	// aggregateGrads runs before the optimizer update, syncParams after.
	aggregateGrads func([]*tensors.Tensor) error
	syncParams     func([]*tensors.Tensor) error

	phase Phase
	state checkpoints.State
}

// Start moves the trainer to PhaseRestored with the given initial state,
// either freshly initialized or restored from a checkpoint.
func (t *Trainer) Start(state checkpoints.State) error {
	if t.phase != PhaseUninitialized {
		return errors.New("trainer already started")
	}
	t.state = state
	t.phase = PhaseRestored
	return nil
}

// Phase returns the trainer's lifecycle phase.
func (t *Trainer) Phase() Phase { return t.phase }

// State returns the checkpointable training state.
func (t *Trainer) State() checkpoints.State { return t.state }

// GlobalStep returns the number of completed steps.
func (t *Trainer) GlobalStep() int64 { return t.state.GlobalStep }

// Model returns the trained model.
func (t *Trainer) Model() pose.Model { return t.config.model }

// Discriminator returns the adaptation discriminator, or nil.
func (t *Trainer) Discriminator() pose.Discriminator { return t.config.discriminator }

// CheckpointVariables enumerates everything a checkpoint must carry to make
// training resumable: model parameters, optimizer slots and, when domain
// adaptation is on, the discriminator's parameters and slots.
func (t *Trainer) CheckpointVariables() []*pose.Parameter {
	vars := append([]*pose.Parameter{}, t.config.model.Parameters()...)
	vars = append(vars, t.config.optimizer.Slots()...)
	if t.config.discriminator != nil {
		vars = append(vars, t.config.discriminator.Parameters()...)
		vars = append(vars, t.config.discOptimizer.Slots()...)
	}
	return vars
}

// TrainStep runs one training step on the batch and advances the state.
// The returned error is terminal: the trainer must not be stepped again
// after one.
func (t *Trainer) TrainStep(batch *pose.Batch) (StepResult, error) {
	switch t.phase {
	case PhaseUninitialized:
		return StepResult{}, errors.New("trainer not started")
	case PhaseRestored:
		// All workers step from identical parameters.
		if err := t.broadcastInitial(); err != nil {
			return StepResult{}, err
		}
		t.phase = PhaseStepping
	}

	lr := t.config.schedule.At(t.state.GlobalStep)
	params := t.config.model.Parameters()

	preds := t.config.model.Forward(batch.Images, true)
	taskLoss := t.config.model.Loss(preds, batch.Targets, batch.Masks)
	grads := t.config.model.Gradients(preds, batch.Targets, batch.Masks)

	result := StepResult{
		GlobalStep:   t.state.GlobalStep + 1,
		LearningRate: lr,
		TaskLoss:     taskLoss,
		Predictions:  preds,
	}
	result.RegularizationLoss = t.applyWeightDecay(params, grads)
	if t.config.discriminator != nil {
		var err error
		result.AdaptationLoss, result.DiscriminatorLoss, err = t.adaptationStep(preds, batch.Labeled, grads)
		if err != nil {
			return StepResult{}, err
		}
	}
	result.TotalLoss = taskLoss + result.RegularizationLoss + result.AdaptationLoss

	if err := t.updateParameters(params, grads, lr); err != nil {
		return StepResult{}, err
	}

	t.state.GlobalStep++
	t.state.LearningRate = lr
	return result, nil
}

// broadcastInitial synchronizes all workers to rank 0's full training state
// before the first step of a run: model parameters, optimizer slots and,
// when adaptation is on, the discriminator's parameters and slots. Workers
// whose optimizers carry divergent moments would otherwise drift apart from
// the very first update.
func (t *Trainer) broadcastInitial() error {
	if t.config.collective == nil {
		return nil
	}
	values := parameterValues(t.CheckpointVariables())
	if err := t.config.collective.Broadcast(0, values); err != nil {
		return errors.WithMessage(err, "broadcasting initial training state")
	}
	return nil
}

// applyWeightDecay adds wd*w to the gradients and returns the wd*½‖w‖²
// loss term.
func (t *Trainer) applyWeightDecay(params []*pose.Parameter, grads []*tensors.Tensor) float32 {
	wd := t.config.weightDecay
	if wd == 0 {
		return 0
	}
	var sumSquares float64
	for ii, param := range params {
		sumSquares += param.Value.SumSquares()
		w := param.Value.Data()
		g := grads[ii].Data()
		for jj := range g {
			g[jj] += float32(wd) * w[jj]
		}
	}
	return float32(wd * sumSquares / 2)
}

// adaptationStep adds the generator-side adaptation gradients to grads and
// independently updates the discriminator. Returns the two loss terms.
func (t *Trainer) adaptationStep(preds *pose.Predictions, labeled []float32, grads []*tensors.Tensor) (
	adaptLoss, discLoss float32, err error) {
	features := preds.BackboneFeatures
	if features == nil {
		return 0, 0, errors.Errorf("domain adaptation is on but model %q exposes no backbone features",
			t.config.model.Name())
	}

	// Generator side: the model is rewarded for features the discriminator
	// classifies as the opposite domain.
	inverted := make([]float32, len(labeled))
	for ii, flag := range labeled {
		inverted[ii] = 1 - flag
	}
	adaptLoss = t.config.discriminator.Loss(features, inverted)
	featureGrad := t.config.discriminator.FeatureGradients(features, inverted)
	for ii, grad := range t.backprop.AdaptationGradients(preds, featureGrad) {
		g := grads[ii].Data()
		for jj, v := range grad.Data() {
			g[jj] += v
		}
	}

	// Discriminator side: plain classification of the true domains, with
	// its own optimizer at the same learning rate schedule.
	discLoss = t.config.discriminator.Loss(features, labeled)
	discGrads := t.config.discriminator.Gradients(features, labeled)
	discParams := t.config.discriminator.Parameters()
	if t.aggregateGrads != nil {
		if err = t.aggregateGrads(discGrads); err != nil {
			return 0, 0, errors.WithMessage(err, "averaging discriminator gradients")
		}
	}
	t.config.discOptimizer.Apply(discParams, discGrads, t.config.schedule.At(t.state.GlobalStep))
	if t.syncParams != nil {
		if err = t.syncParams(parameterValues(discParams)); err != nil {
			return 0, 0, errors.WithMessage(err, "synchronizing discriminator parameters")
		}
	}
	return adaptLoss, discLoss, nil
}

// updateParameters aggregates gradients or parameters across workers per
// the sync strategy and applies the optimizer update.
func (t *Trainer) updateParameters(params []*pose.Parameter, grads []*tensors.Tensor, lr float64) error {
	if t.aggregateGrads != nil {
		if err := t.aggregateGrads(grads); err != nil {
			return errors.WithMessage(err, "averaging gradients")
		}
	}
	t.config.optimizer.Apply(params, grads, lr)
	if t.syncParams != nil {
		if err := t.syncParams(parameterValues(params)); err != nil {
			return errors.WithMessage(err, "synchronizing parameters")
		}
	}
	return nil
}

func parameterValues(params []*pose.Parameter) []*tensors.Tensor {
	values := make([]*tensors.Tensor, len(params))
	for ii, param := range params {
		values[ii] = param.Value
	}
	return values
}

// lossIsFinite reports whether a loss value can continue training.
func lossIsFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

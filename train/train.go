package train

import (
	"fmt"

	"github.com/Arxtage/hyperpose/checkpoints"
	"github.com/Arxtage/hyperpose/distributed"
	"github.com/Arxtage/hyperpose/optimizers"
	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/visualize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Session bundles a training run: the configuration plus the collaborators
// the engine drives but does not own.
type Session struct {
	Config Config

	Dataset      pose.Dataset
	Model        pose.Model
	Augmentor    pose.Augmentor
	Preprocessor pose.Preprocessor

	// Discriminator is required when Config.DomainAdaptationEnabled.
	Discriminator pose.Discriminator

	// Progress attaches a terminal progress bar to the run.
	Progress bool
}

// SingleTrain runs the whole training budget in this process, with no
// cross-worker synchronization.
func SingleTrain(s Session) error {
	return run(s, nil)
}

// ParallelTrain runs this process as one worker of a cooperating set. The
// collective carries the worker's rank and the sync transport; checkpoints
// and visualizations are written by rank 0 only.
func ParallelTrain(s Session, collective distributed.Collective) error {
	if collective == nil {
		return errors.New("parallel training requires a collective")
	}
	return run(s, collective)
}

func run(s Session, collective distributed.Collective) error {
	cfg := s.Config
	if err := cfg.Validate(); err != nil {
		return err
	}
	if s.Dataset == nil || s.Model == nil || s.Preprocessor == nil {
		return errors.New("training requires a dataset, a model and a preprocessor")
	}
	layout, err := cfg.Layout()
	if err != nil {
		return err
	}

	rank, world := 0, 1
	var strategy distributed.Strategy
	if collective != nil {
		topology := collective.Topology()
		rank, world = topology.Rank, topology.WorldSize
		if strategy, err = cfg.Strategy(); err != nil {
			return err
		}
	}
	isChief := rank == 0

	// In multi-worker mode every worker advances the global step at 1/W of
	// the single-worker data rate, so the decay thresholds shrink with W.
	schedule := cfg.Schedule().ForWorkers(world)

	trainerConfig := NewTrainer(s.Model, newOptimizer(cfg.Optimizer), schedule).
		WeightDecay(cfg.WeightDecayFactor)
	if collective != nil {
		trainerConfig.Distributed(collective, strategy)
	}
	if cfg.DomainAdaptationEnabled {
		if s.Discriminator == nil {
			return errors.New("domain adaptation is enabled but no discriminator was given")
		}
		trainerConfig.Adaptation(s.Discriminator, newOptimizer(cfg.Optimizer))
	}
	trainer, err := trainerConfig.Done()
	if err != nil {
		return err
	}

	// An unwritable checkpoint directory is fatal, up front.
	handler, err := checkpoints.Build(cfg.CheckpointDir).Keep(3).Done()
	if err != nil {
		return err
	}

	state := restoreState(trainer, handler, cfg, rank)
	if state.GlobalStep >= cfg.TotalStep {
		return errors.Errorf("total_step %d already reached by checkpoint at step %d",
			cfg.TotalStep, state.GlobalStep)
	}
	if err := trainer.Start(state); err != nil {
		return err
	}

	pipeline, err := NewPipeline(s.Dataset).
		BatchSize(cfg.BatchSize).
		Shard(rank, world).
		Layout(layout).
		Augmentor(s.Augmentor).
		Preprocessor(s.Preprocessor).
		ShuffleBuffer(cfg.ShuffleBuffer).
		Prefetch(cfg.Prefetch).
		Parallelism(cfg.Parallelism).
		Jitter(cfg.Jitter).
		Seed(cfg.Seed + int64(rank)).
		Done()
	if err != nil {
		return err
	}
	defer pipeline.Stop()

	loop := NewLoop(trainer)
	attachLogging(loop, cfg, rank)
	if isChief {
		if err := attachCheckpointing(loop, handler, cfg); err != nil {
			return err
		}
		if cfg.VisDir != "" {
			if err := attachVisualization(loop, cfg, layout); err != nil {
				return err
			}
		}
		if s.Progress {
			attachProgress(loop, cfg.TotalStep)
		}
	}

	klog.Infof("training %s from step %d to %d (worker %d of %d)",
		s.Model.Name(), state.GlobalStep, cfg.TotalStep, rank, world)
	return loop.RunUntil(pipeline, cfg.TotalStep)
}

// newOptimizer builds the configured optimizer. Config.Validate already
// rejected unknown names.
func newOptimizer(name string) optimizers.Optimizer {
	if name == "sgd" {
		return optimizers.NewSGD()
	}
	return optimizers.Adam().Done()
}

// restoreState resumes best-effort: the latest checkpoint if one is
// readable, otherwise the saved model artifact and/or pretrained backbone
// weights over a fresh state. Nothing here is fatal.
func restoreState(trainer *Trainer, handler *checkpoints.Handler, cfg Config, rank int) checkpoints.State {
	state, found, err := handler.RestoreLatest(trainer.CheckpointVariables())
	if err != nil {
		klog.Warningf("worker %d: checkpoint unreadable, starting fresh: %v", rank, err)
	}
	if found && err == nil {
		klog.Infof("worker %d: resumed from checkpoint at step %d", rank, state.GlobalStep)
		return state
	}

	// Cold start: prefer previously saved model weights, else pretrained
	// backbone weights, else the model's own initialization.
	model := trainer.Model()
	if found, err := handler.LoadArtifact("model", model.Parameters(), false); err != nil {
		klog.Warningf("worker %d: saved model weights unreadable, ignoring: %v", rank, err)
	} else if found {
		klog.Infof("worker %d: loaded saved model weights", rank)
	}
	if cfg.PretrainDir != "" {
		found, err := handler.LoadArtifactFrom(cfg.PretrainDir, model.BackboneName(), model.Parameters(), true)
		if err != nil {
			klog.Warningf("worker %d: pretrained backbone unreadable, using random init: %v", rank, err)
		} else if found {
			klog.Infof("worker %d: loaded pretrained %q backbone weights", rank, model.BackboneName())
		} else {
			klog.Warningf("worker %d: no pretrained %q weights under %q, using random init",
				rank, model.BackboneName(), cfg.PretrainDir)
		}
	}
	if trainer.Discriminator() != nil {
		if found, err := handler.LoadArtifact("discriminator", trainer.Discriminator().Parameters(), false); err != nil {
			klog.Warningf("worker %d: saved discriminator weights unreadable, ignoring: %v", rank, err)
		} else if found {
			klog.Infof("worker %d: loaded saved discriminator weights", rank)
		}
	}
	return checkpoints.State{LearningRate: cfg.LRInit}
}

func attachLogging(loop *Loop, cfg Config, rank int) {
	metrics := NewMetrics()
	loop.OnStep("metrics", 0, func(loop *Loop, result *StepResult) error {
		metrics.ObserveStep(result)
		return nil
	})
	EveryNSteps(loop, cfg.LogInterval, "log", 10, func(loop *Loop, result *StepResult) error {
		klog.Infof("worker %d: %s", rank, metrics.Report(result.GlobalStep, result.LearningRate))
		return nil
	})
}

// attachCheckpointing saves periodically and at the end of the run, without
// double-saving when the run ends on a save boundary.
func attachCheckpointing(loop *Loop, handler *checkpoints.Handler, cfg Config) error {
	var lastSaved int64 = -1
	save := func(loop *Loop) error {
		trainer := loop.Trainer
		if err := handler.Save(trainer.State(), trainer.CheckpointVariables()); err != nil {
			return err
		}
		if err := handler.SaveArtifact("model", trainer.Model().Parameters()); err != nil {
			return err
		}
		if disc := trainer.Discriminator(); disc != nil {
			if err := handler.SaveArtifact("discriminator", disc.Parameters()); err != nil {
				return err
			}
		}
		lastSaved = trainer.GlobalStep()
		return nil
	}
	// The cadence keys on the global step, not steps since start, so a
	// resumed run saves at the same global steps the uninterrupted run
	// would have.
	loop.OnStep("checkpoint", 20, func(loop *Loop, result *StepResult) error {
		if result.GlobalStep%cfg.SaveInterval != 0 || result.GlobalStep == lastSaved {
			return nil
		}
		return save(loop)
	})
	period, err := cfg.SavePeriodDuration()
	if err != nil {
		return err
	}
	if period > 0 {
		PeriodicCallback(loop, period, "checkpoint", 20, func(loop *Loop, result *StepResult) error {
			if loop.Trainer.GlobalStep() == lastSaved {
				return nil
			}
			return save(loop)
		})
	}
	loop.OnEnd("final checkpoint", 20, func(loop *Loop, result *StepResult) error {
		if loop.Trainer.GlobalStep() == lastSaved {
			return nil
		}
		return save(loop)
	})
	return nil
}

func attachVisualization(loop *Loop, cfg Config, layout pose.ChannelOrder) error {
	renderer, err := visualize.NewRenderer(cfg.VisDir, layout)
	if err != nil {
		return err
	}
	EveryNSteps(loop, cfg.VisInterval, "visualize", 30, func(loop *Loop, result *StepResult) error {
		err := renderer.RenderStep(result.GlobalStep, loop.LastBatch, result.Predictions)
		if err != nil {
			// Visualization is best-effort, never aborts training.
			klog.Warningf("visualization at step %d failed: %v", result.GlobalStep, err)
		}
		return nil
	})
	return nil
}

func attachProgress(loop *Loop, totalStep int64) {
	var bar *progressbar.ProgressBar
	loop.OnStart("progress", 40, func(loop *Loop) error {
		bar = progressbar.NewOptions64(loop.EndStep-loop.StartStep,
			progressbar.OptionSetDescription(fmt.Sprintf("Training (%d steps): ", totalStep)),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
		)
		return nil
	})
	loop.OnStep("progress", 40, func(loop *Loop, result *StepResult) error {
		return bar.Add(1)
	})
	loop.OnEnd("progress", 40, func(loop *Loop, result *StepResult) error {
		return bar.Finish()
	})
}

package train

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/Arxtage/hyperpose/checkpoints"
	"github.com/Arxtage/hyperpose/distributed"
	"github.com/Arxtage/hyperpose/models"
	"github.com/Arxtage/hyperpose/optimizers"
	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBatch(rng *rand.Rand, n int) *pose.Batch {
	random := func(dims ...int) *tensors.Tensor {
		t := tensors.New(dims...)
		data := t.Data()
		for ii := range data {
			data[ii] = rng.Float32()
		}
		return t
	}
	labeled := make([]float32, n)
	for ii := range labeled {
		labeled[ii] = float32(ii % 2)
	}
	return &pose.Batch{
		Images: random(n, 3, 8, 8),
		Masks:  tensors.Ones(n, 1, 4, 4),
		Targets: &pose.EncodedTarget{
			Heatmaps: random(n, 2, 4, 4),
			PAFs:     random(n, 2, 4, 4),
		},
		Labeled: labeled,
	}
}

func newTestTrainer(t *testing.T) *Trainer {
	model := models.NewLinear(2, 1, 8, 8, 4, 4)
	trainer, err := NewTrainer(model, optimizers.NewSGD(), NewDecaySchedule(0.1, 0.5, []int64{1000})).
		Done()
	require.NoError(t, err)
	return trainer
}

func TestTrainStepRequiresStart(t *testing.T) {
	trainer := newTestTrainer(t)
	_, err := trainer.TrainStep(randomBatch(rand.New(rand.NewSource(1)), 2))
	assert.Error(t, err)
}

func TestTrainStepAdvancesState(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	trainer := newTestTrainer(t)
	require.NoError(t, trainer.Start(checkpoints.State{}))
	assert.Equal(t, PhaseRestored, trainer.Phase())

	before := trainer.Model().Parameters()[2].Value.Clone()
	result, err := trainer.TrainStep(randomBatch(rng, 2))
	require.NoError(t, err)
	assert.Equal(t, PhaseStepping, trainer.Phase())
	assert.Equal(t, int64(1), result.GlobalStep)
	assert.Equal(t, int64(1), trainer.GlobalStep())
	assert.Equal(t, 0.1, result.LearningRate)
	assert.Greater(t, result.TaskLoss, float32(0))
	assert.False(t, before.Equal(trainer.Model().Parameters()[2].Value), "parameters must move")

	// Starting twice is an error.
	assert.Error(t, trainer.Start(checkpoints.State{}))
}

func TestTrainStepUsesScheduledRate(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	model := models.NewLinear(2, 1, 8, 8, 4, 4)
	trainer, err := NewTrainer(model, optimizers.NewSGD(), NewDecaySchedule(0.1, 0.5, []int64{2})).
		Done()
	require.NoError(t, err)
	require.NoError(t, trainer.Start(checkpoints.State{}))

	batch := randomBatch(rng, 2)
	for _, wantLR := range []float64{0.1, 0.1, 0.05} {
		result, err := trainer.TrainStep(batch)
		require.NoError(t, err)
		assert.Equal(t, wantLR, result.LearningRate)
	}
}

func TestWeightDecayContributesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	model := models.NewLinear(2, 1, 8, 8, 4, 4)
	trainer, err := NewTrainer(model, optimizers.NewSGD(), NewDecaySchedule(1e-3, 0.5, nil)).
		WeightDecay(0.1).
		Done()
	require.NoError(t, err)
	require.NoError(t, trainer.Start(checkpoints.State{}))

	result, err := trainer.TrainStep(randomBatch(rng, 2))
	require.NoError(t, err)
	// The backbone scale starts at 1 and the head weights at 0.1, so the
	// regularization term is strictly positive.
	assert.Greater(t, result.RegularizationLoss, float32(0))
	assert.Greater(t, result.TotalLoss, result.TaskLoss)
}

func TestAdaptationStep(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	model := models.NewLinear(2, 1, 8, 8, 4, 4)
	disc := models.NewLogisticDiscriminator()
	trainer, err := NewTrainer(model, optimizers.NewSGD(), NewDecaySchedule(1e-2, 0.5, nil)).
		Adaptation(disc, optimizers.NewSGD()).
		Done()
	require.NoError(t, err)
	require.NoError(t, trainer.Start(checkpoints.State{}))

	discBefore := disc.Parameters()[0].Value.Data()[0]
	result, err := trainer.TrainStep(randomBatch(rng, 4))
	require.NoError(t, err)
	assert.Greater(t, result.AdaptationLoss, float32(0))
	assert.Greater(t, result.DiscriminatorLoss, float32(0))
	assert.NotEqual(t, discBefore, disc.Parameters()[0].Value.Data()[0],
		"discriminator must be updated")

	// Adaptation state rides along in the checkpoint variable set.
	var names []string
	for _, v := range trainer.CheckpointVariables() {
		names = append(names, v.Name)
	}
	assert.Contains(t, names, "disc/weight")
}

// plainModel hides the FeatureBackprop implementation of Linear.
type plainModel struct {
	inner *models.Linear
}

func (p *plainModel) Name() string         { return p.inner.Name() }
func (p *plainModel) BackboneName() string { return p.inner.BackboneName() }
func (p *plainModel) Forward(images *tensors.Tensor, training bool) *pose.Predictions {
	return p.inner.Forward(images, training)
}
func (p *plainModel) Loss(preds *pose.Predictions, target *pose.EncodedTarget, masks *tensors.Tensor) float32 {
	return p.inner.Loss(preds, target, masks)
}
func (p *plainModel) Gradients(preds *pose.Predictions, target *pose.EncodedTarget, masks *tensors.Tensor) []*tensors.Tensor {
	return p.inner.Gradients(preds, target, masks)
}
func (p *plainModel) Parameters() []*pose.Parameter { return p.inner.Parameters() }

func TestAdaptationRequiresFeatureBackprop(t *testing.T) {
	model := &plainModel{inner: models.NewLinear(2, 1, 8, 8, 4, 4)}
	_, err := NewTrainer(model, optimizers.NewSGD(), NewDecaySchedule(1e-2, 0.5, nil)).
		Adaptation(models.NewLogisticDiscriminator(), optimizers.NewSGD()).
		Done()
	assert.Error(t, err)
}

func runWorkers(t *testing.T, strategy distributed.Strategy, steps int) []*Trainer {
	const worldSize = 2
	group := distributed.NewGroup(worldSize)
	trainers := make([]*Trainer, worldSize)
	batch := randomBatch(rand.New(rand.NewSource(6)), 2)

	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		collective, err := group.Join(rank)
		require.NoError(t, err)
		model := models.NewLinear(2, 1, 8, 8, 4, 4)
		// Rank 1 starts from different parameters; the first-step broadcast
		// must overwrite them with rank 0's.
		if rank == 1 {
			model.Parameters()[2].Value.Fill(0.7)
		}
		trainer, err := NewTrainer(model, optimizers.NewSGD(), NewDecaySchedule(0.05, 0.5, nil)).
			Distributed(collective, strategy).
			Done()
		require.NoError(t, err)
		require.NoError(t, trainer.Start(checkpoints.State{}))
		trainers[rank] = trainer

		wg.Add(1)
		go func(trainer *Trainer) {
			defer wg.Done()
			for step := 0; step < steps; step++ {
				_, err := trainer.TrainStep(batch)
				if !assert.NoError(t, err) {
					return
				}
			}
		}(trainer)
	}
	wg.Wait()
	return trainers
}

func TestInitialBroadcastCoversOptimizerState(t *testing.T) {
	const worldSize = 2
	group := distributed.NewGroup(worldSize)
	trainers := make([]*Trainer, worldSize)
	batch := randomBatch(rand.New(rand.NewSource(7)), 2)

	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		collective, err := group.Join(rank)
		require.NoError(t, err)
		model := models.NewLinear(2, 1, 8, 8, 4, 4)
		trainer, err := NewTrainer(model, optimizers.Adam().Done(), NewDecaySchedule(0.05, 0.5, nil)).
			Distributed(collective, distributed.SyncSGD).
			Done()
		require.NoError(t, err)
		// Rank 1 starts from divergent parameters and Adam moments; the
		// first-step broadcast must overwrite all of them with rank 0's.
		if rank == 1 {
			for _, v := range trainer.CheckpointVariables() {
				v.Value.Fill(0.3)
			}
		}
		require.NoError(t, trainer.Start(checkpoints.State{}))
		trainers[rank] = trainer

		wg.Add(1)
		go func(trainer *Trainer) {
			defer wg.Done()
			_, err := trainer.TrainStep(batch)
			assert.NoError(t, err)
		}(trainer)
	}
	wg.Wait()

	varsA := trainers[0].CheckpointVariables()
	varsB := trainers[1].CheckpointVariables()
	for ii := range varsA {
		assert.True(t, varsA[ii].Value.Equal(varsB[ii].Value),
			"variable %s diverged", varsA[ii].Name)
	}
}

func TestDistributedWorkersConverge(t *testing.T) {
	for _, strategy := range []distributed.Strategy{
		distributed.SyncSGD, distributed.SyncAveraging, distributed.PairAveraging,
	} {
		t.Run(strategy.String(), func(t *testing.T) {
			trainers := runWorkers(t, strategy, 3)
			paramsA := trainers[0].Model().Parameters()
			paramsB := trainers[1].Model().Parameters()
			for ii := range paramsA {
				assert.True(t, paramsA[ii].Value.Equal(paramsB[ii].Value),
					"parameter %s diverged", paramsA[ii].Name)
			}
			assert.Equal(t, int64(3), trainers[0].GlobalStep())
		})
	}
}

package models

import (
	"math/rand"
	"testing"

	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.New(dims...)
	data := t.Data()
	for ii := range data {
		data[ii] = rng.Float32()
	}
	return t
}

func testSetup(rng *rand.Rand) (*Linear, *tensors.Tensor, *pose.EncodedTarget, *tensors.Tensor) {
	model := NewLinear(2, 1, 8, 8, 4, 4)
	images := randomTensor(rng, 2, 3, 8, 8)
	target := &pose.EncodedTarget{
		Heatmaps: randomTensor(rng, 2, 2, 4, 4),
		PAFs:     randomTensor(rng, 2, 2, 4, 4),
	}
	masks := tensors.Ones(2, 1, 4, 4)
	// Knock out a few mask pixels so the masking path is exercised.
	masks.Set(0, 0, 0, 1, 2)
	masks.Set(0, 1, 0, 3, 3)
	return model, images, target, masks
}

func modelLoss(model *Linear, images *tensors.Tensor, target *pose.EncodedTarget, masks *tensors.Tensor) float32 {
	preds := model.Forward(images, true)
	return model.Loss(preds, target, masks)
}

func TestLinearGradientsMatchFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	model, images, target, masks := testSetup(rng)

	preds := model.Forward(images, true)
	grads := model.Gradients(preds, target, masks)
	params := model.Parameters()
	require.Len(t, grads, len(params))

	const delta = 1e-3
	for ii, param := range params {
		data := param.Value.Data()
		for jj := range data {
			original := data[jj]
			data[jj] = original + delta
			lossUp := modelLoss(model, images, target, masks)
			data[jj] = original - delta
			lossDown := modelLoss(model, images, target, masks)
			data[jj] = original

			numeric := (lossUp - lossDown) / (2 * delta)
			assert.InDelta(t, numeric, grads[ii].Data()[jj], 1e-2,
				"parameter %s[%d]", param.Name, jj)
		}
	}
}

func TestLinearTrainingReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	model, images, target, masks := testSetup(rng)

	initial := modelLoss(model, images, target, masks)
	for step := 0; step < 200; step++ {
		preds := model.Forward(images, true)
		grads := model.Gradients(preds, target, masks)
		for ii, param := range model.Parameters() {
			w := param.Value.Data()
			for jj, g := range grads[ii].Data() {
				w[jj] -= 0.5 * g
			}
		}
	}
	final := modelLoss(model, images, target, masks)
	assert.Less(t, final, initial)
}

func TestDiscriminatorGradientsMatchFiniteDifferences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	disc := NewLogisticDiscriminator()
	disc.weight.Value.Data()[0] = 0.3
	disc.bias.Value.Data()[0] = -0.1
	features := randomTensor(rng, 4, 4, 4)
	labels := []float32{1, 0, 1, 0}

	grads := disc.Gradients(features, labels)
	const delta = 1e-3
	for ii, param := range disc.Parameters() {
		data := param.Value.Data()
		original := data[0]
		data[0] = original + delta
		lossUp := disc.Loss(features, labels)
		data[0] = original - delta
		lossDown := disc.Loss(features, labels)
		data[0] = original

		numeric := (lossUp - lossDown) / (2 * delta)
		assert.InDelta(t, numeric, grads[ii].Data()[0], 1e-3, "parameter %d", ii)
	}
}

func TestDiscriminatorFeatureGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	disc := NewLogisticDiscriminator()
	disc.weight.Value.Data()[0] = 0.5
	features := randomTensor(rng, 2, 3, 3)
	labels := []float32{1, 0}

	featureGrad := disc.FeatureGradients(features, labels)
	const delta = 1e-3
	data := features.Data()
	for _, idx := range []int{0, 4, 9, 17} {
		original := data[idx]
		data[idx] = original + delta
		lossUp := disc.Loss(features, labels)
		data[idx] = original - delta
		lossDown := disc.Loss(features, labels)
		data[idx] = original

		numeric := (lossUp - lossDown) / (2 * delta)
		assert.InDelta(t, numeric, featureGrad.Data()[idx], 1e-3, "feature %d", idx)
	}
}

func TestLinearBackboneNaming(t *testing.T) {
	model := NewLinear(2, 1, 8, 8, 4, 4)
	assert.Equal(t, "backbone", model.BackboneName())
	var backboneParams int
	for _, param := range model.Parameters() {
		if param.Name == "backbone/scale" || param.Name == "backbone/bias" {
			backboneParams++
		}
	}
	assert.Equal(t, 2, backboneParams)
}

package optimizers

import (
	"testing"

	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quadraticGrad(param *pose.Parameter) *tensors.Tensor {
	// Gradient of f(w) = sum (w-3)^2.
	g := tensors.New(param.Value.Dims()...)
	for ii, w := range param.Value.Data() {
		g.Data()[ii] = 2 * (w - 3)
	}
	return g
}

func TestSGD(t *testing.T) {
	param := &pose.Parameter{Name: "w", Value: tensors.FromFlat([]float32{1, 2}, 2)}
	opt := NewSGD()
	opt.Apply([]*pose.Parameter{param}, []*tensors.Tensor{tensors.FromFlat([]float32{1, -1}, 2)}, 0.1)
	assert.InDelta(t, 0.9, param.Value.Data()[0], 1e-6)
	assert.InDelta(t, 2.1, param.Value.Data()[1], 1e-6)
	assert.Empty(t, opt.Slots())
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	param := &pose.Parameter{Name: "w", Value: tensors.FromFlat([]float32{0, 10}, 2)}
	opt := Adam().Done()
	for step := 0; step < 2000; step++ {
		grads := []*tensors.Tensor{quadraticGrad(param)}
		opt.Apply([]*pose.Parameter{param}, grads, 0.1)
	}
	assert.InDelta(t, 3.0, param.Value.Data()[0], 1e-2)
	assert.InDelta(t, 3.0, param.Value.Data()[1], 1e-2)
}

func TestAdamSlotsAreStable(t *testing.T) {
	param := &pose.Parameter{Name: "w", Value: tensors.FromFlat([]float32{1}, 1)}
	opt := Adam().Done()
	opt.Apply([]*pose.Parameter{param}, []*tensors.Tensor{tensors.FromFlat([]float32{1}, 1)}, 0.01)

	slots := opt.Slots()
	require.Len(t, slots, 3)
	assert.Equal(t, "adam/steps", slots[0].Name)
	assert.Equal(t, "adam/m/w", slots[1].Name)
	assert.Equal(t, "adam/v/w", slots[2].Name)
	assert.Equal(t, float32(1), slots[0].Value.Data()[0])

	// Restoring slots drives the next update: a second optimizer with the
	// same restored slots produces the same step as the original.
	param2 := &pose.Parameter{Name: "w", Value: param.Value.Clone()}
	opt2 := Adam().Done()
	opt2.Apply([]*pose.Parameter{param2}, []*tensors.Tensor{tensors.FromFlat([]float32{1}, 1)}, 0.01)
	for ii, s := range opt2.Slots() {
		assert.True(t, s.Value.Equal(slots[ii].Value))
	}
}

func TestApplyPanicsOnMisalignedShapes(t *testing.T) {
	param := &pose.Parameter{Name: "w", Value: tensors.New(2)}
	assert.Panics(t, func() {
		NewSGD().Apply([]*pose.Parameter{param}, []*tensors.Tensor{tensors.New(3)}, 0.1)
	})
	assert.Panics(t, func() {
		NewSGD().Apply([]*pose.Parameter{param}, nil, 0.1)
	})
}

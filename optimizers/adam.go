package optimizers

import (
	"math"

	"github.com/Arxtage/hyperpose/internal/xslices"
	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/tensors"
)

// AdamConfig configures an Adam optimizer. Create it with Adam(), set the
// options and call Done.
type AdamConfig struct {
	beta1, beta2, epsilon float64
}

// Adam returns the configuration for an Adam optimizer with the usual
// defaults (β1=0.9, β2=0.999, ε=1e-7).
func Adam() *AdamConfig {
	return &AdamConfig{beta1: 0.9, beta2: 0.999, epsilon: 1e-7}
}

// Beta1 sets the first-moment decay rate.
// It returns the config so calls can be cascaded.
func (c *AdamConfig) Beta1(beta1 float64) *AdamConfig {
	c.beta1 = beta1
	return c
}

// Beta2 sets the second-moment decay rate.
// It returns the config so calls can be cascaded.
func (c *AdamConfig) Beta2(beta2 float64) *AdamConfig {
	c.beta2 = beta2
	return c
}

// Epsilon sets the numerical-stability term.
// It returns the config so calls can be cascaded.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Done builds the optimizer.
func (c *AdamConfig) Done() *AdamOptimizer {
	return &AdamOptimizer{
		config: *c,
		steps:  tensors.New(1),
		slots:  make(map[string]*tensors.Tensor),
	}
}

// AdamOptimizer implements the Adam update rule with bias-corrected first
// and second moment estimates. Moment slots are created lazily, keyed by
// parameter name.
type AdamOptimizer struct {
	config AdamConfig
	steps  *tensors.Tensor // update count, checkpointed for bias correction
	slots  map[string]*tensors.Tensor
}

// Name implements Optimizer.
func (o *AdamOptimizer) Name() string { return "adam" }

// Prime implements Optimizer: it eagerly creates the moment slots for the
// given parameters so a checkpoint can be restored into them.
func (o *AdamOptimizer) Prime(params []*pose.Parameter) {
	for _, param := range params {
		o.slot("m", param)
		o.slot("v", param)
	}
}

// Apply implements Optimizer.
func (o *AdamOptimizer) Apply(params []*pose.Parameter, grads []*tensors.Tensor, learningRate float64) {
	checkAligned(params, grads)
	o.steps.Data()[0]++
	t := float64(o.steps.Data()[0])
	debias1 := 1 / (1 - math.Pow(o.config.beta1, t))
	debias2 := 1 / (1 - math.Pow(o.config.beta2, t))
	beta1 := float32(o.config.beta1)
	beta2 := float32(o.config.beta2)

	for ii, param := range params {
		m := o.slot("m", param)
		v := o.slot("v", param)
		w := param.Value.Data()
		g := grads[ii].Data()
		mData, vData := m.Data(), v.Data()
		for jj := range w {
			grad := g[jj]
			mData[jj] = beta1*mData[jj] + (1-beta1)*grad
			vData[jj] = beta2*vData[jj] + (1-beta2)*grad*grad
			mHat := float64(mData[jj]) * debias1
			vHat := float64(vData[jj]) * debias2
			w[jj] -= float32(learningRate * mHat / (math.Sqrt(vHat) + o.config.epsilon))
		}
	}
}

func (o *AdamOptimizer) slot(kind string, param *pose.Parameter) *tensors.Tensor {
	key := "adam/" + kind + "/" + param.Name
	s, found := o.slots[key]
	if !found {
		s = tensors.New(param.Value.Dims()...)
		o.slots[key] = s
	}
	return s
}

// Slots implements Optimizer.
func (o *AdamOptimizer) Slots() []*pose.Parameter {
	out := make([]*pose.Parameter, 0, len(o.slots)+1)
	out = append(out, &pose.Parameter{Name: "adam/steps", Value: o.steps})
	for _, key := range xslices.SortedKeys(o.slots) {
		out = append(out, &pose.Parameter{Name: key, Value: o.slots[key]})
	}
	return out
}

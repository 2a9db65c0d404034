// Package optimizers implements the parameter-update rules used by the
// training step executor.
//
// Optimizers expose their internal state as named slot tensors so the
// checkpoint store can persist and restore them opaquely.
package optimizers

import (
	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/tensors"
	"github.com/gomlx/exceptions"
)

// Optimizer applies one gradient update to a set of parameters.
type Optimizer interface {
	Name() string

	// Prime creates the optimizer state for the given parameters, so the
	// state exists before the first update. It must be called before
	// restoring a checkpoint into Slots.
	Prime(params []*pose.Parameter)

	// Apply updates params in place given grads, aligned index by index.
	Apply(params []*pose.Parameter, grads []*tensors.Tensor, learningRate float64)

	// Slots enumerates the optimizer's state tensors, named uniquely and
	// stably, so they can be checkpointed alongside the model weights.
	Slots() []*pose.Parameter
}

// SGD is plain stochastic gradient descent. It carries no state.
type SGD struct{}

// NewSGD creates a stateless SGD optimizer.
func NewSGD() *SGD { return &SGD{} }

// Name implements Optimizer.
func (o *SGD) Name() string { return "sgd" }

// Prime implements Optimizer. SGD carries no state.
func (o *SGD) Prime([]*pose.Parameter) {}

// Apply implements Optimizer.
func (o *SGD) Apply(params []*pose.Parameter, grads []*tensors.Tensor, learningRate float64) {
	checkAligned(params, grads)
	lr := float32(learningRate)
	for ii, param := range params {
		w := param.Value.Data()
		g := grads[ii].Data()
		for jj := range w {
			w[jj] -= lr * g[jj]
		}
	}
}

// Slots implements Optimizer.
func (o *SGD) Slots() []*pose.Parameter { return nil }

func checkAligned(params []*pose.Parameter, grads []*tensors.Tensor) {
	if len(params) != len(grads) {
		exceptions.Panicf("optimizers: %d parameters but %d gradients", len(params), len(grads))
	}
	for ii, param := range params {
		if !param.Value.SameShape(grads[ii]) {
			exceptions.Panicf("optimizers: parameter %q has shape %v but gradient has shape %v",
				param.Name, param.Value.Dims(), grads[ii].Dims())
		}
	}
}

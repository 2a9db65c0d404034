// Package models provides reference implementations of the model-side
// interfaces: a per-pixel linear pose model with exact gradients and a
// logistic-regression domain discriminator.
//
// They exist to exercise the training engine end to end; real deployments
// plug in their own backbone implementations.
package models

import (
	"math"

	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/tensors"
	"github.com/gomlx/exceptions"
)

// Linear is a minimal trainable pose model. The backbone average-pools the
// gray image to the output resolution and applies a scalar affine; each
// output channel is a scalar affine of that shared feature map. All
// gradients are exact.
//
// It consumes channels-first [N, 3, H, W] batches. Forward and Gradients
// are not safe for concurrent use: the forward pass caches intermediates
// for the backward pass.
type Linear struct {
	parts, limbs        int
	inHeight, inWidth   int
	outHeight, outWidth int

	backboneScale *pose.Parameter // [1]
	backboneBias  *pose.Parameter // [1]
	hmWeight      *pose.Parameter // [parts]
	hmBias        *pose.Parameter // [parts]
	pafWeight     *pose.Parameter // [2*limbs]
	pafBias       *pose.Parameter // [2*limbs]

	lastPool *tensors.Tensor // [N, H', W'], pre-affine pooled gray
}

// NewLinear creates a linear model for the given topology and resolutions.
func NewLinear(parts, limbs, inHeight, inWidth, outHeight, outWidth int) *Linear {
	if parts <= 0 || limbs < 0 || outHeight <= 0 || outWidth <= 0 {
		exceptions.Panicf("models.NewLinear: invalid topology %d parts, %d limbs", parts, limbs)
	}
	m := &Linear{
		parts:     parts,
		limbs:     limbs,
		inHeight:  inHeight,
		inWidth:   inWidth,
		outHeight: outHeight,
		outWidth:  outWidth,
	}
	scale := tensors.New(1)
	scale.Fill(1)
	m.backboneScale = &pose.Parameter{Name: "backbone/scale", Value: scale}
	m.backboneBias = &pose.Parameter{Name: "backbone/bias", Value: tensors.New(1)}
	hmW := tensors.New(parts)
	hmW.Fill(0.1)
	m.hmWeight = &pose.Parameter{Name: "head/heatmap/weight", Value: hmW}
	m.hmBias = &pose.Parameter{Name: "head/heatmap/bias", Value: tensors.New(parts)}
	pafChannels := 2 * limbs
	if pafChannels == 0 {
		pafChannels = 1
	}
	pafW := tensors.New(pafChannels)
	pafW.Fill(0.1)
	m.pafWeight = &pose.Parameter{Name: "head/paf/weight", Value: pafW}
	m.pafBias = &pose.Parameter{Name: "head/paf/bias", Value: tensors.New(pafChannels)}
	return m
}

// Name implements pose.Model.
func (m *Linear) Name() string { return "linear" }

// BackboneName implements pose.Model.
func (m *Linear) BackboneName() string { return "backbone" }

// Parameters implements pose.Model.
func (m *Linear) Parameters() []*pose.Parameter {
	return []*pose.Parameter{
		m.backboneScale, m.backboneBias,
		m.hmWeight, m.hmBias,
		m.pafWeight, m.pafBias,
	}
}

// Forward implements pose.Model.
func (m *Linear) Forward(images *tensors.Tensor, training bool) *pose.Predictions {
	if images.Rank() != 4 {
		exceptions.Panicf("models.Linear: images must be [N, C, H, W], got %v", images.Dims())
	}
	n := images.Dim(0)
	pool := m.pool(images)
	m.lastPool = pool

	scale := m.backboneScale.Value.Data()[0]
	bias := m.backboneBias.Value.Data()[0]
	features := pool.Clone()
	features.MulScalar(scale)
	features.AddScalar(bias)

	return &pose.Predictions{
		Heatmaps:         m.head(n, features, m.hmWeight, m.hmBias),
		PAFs:             m.head(n, features, m.pafWeight, m.pafBias),
		BackboneFeatures: features,
	}
}

// pool averages the color channels and spatially downsamples to the output
// resolution. Fixed, parameterless.
func (m *Linear) pool(images *tensors.Tensor) *tensors.Tensor {
	n, channels := images.Dim(0), images.Dim(1)
	inH, inW := images.Dim(2), images.Dim(3)
	out := tensors.New(n, m.outHeight, m.outWidth)
	// Each output cell averages its source rectangle.
	for nn := 0; nn < n; nn++ {
		for y := 0; y < m.outHeight; y++ {
			y0, y1 := y*inH/m.outHeight, (y+1)*inH/m.outHeight
			if y1 == y0 {
				y1 = y0 + 1
			}
			for x := 0; x < m.outWidth; x++ {
				x0, x1 := x*inW/m.outWidth, (x+1)*inW/m.outWidth
				if x1 == x0 {
					x1 = x0 + 1
				}
				var sum float32
				for c := 0; c < channels; c++ {
					for yy := y0; yy < y1; yy++ {
						for xx := x0; xx < x1; xx++ {
							sum += images.At(nn, c, yy, xx)
						}
					}
				}
				out.Set(sum/float32(channels*(y1-y0)*(x1-x0)), nn, y, x)
			}
		}
	}
	return out
}

// head expands the shared feature map into per-channel affine outputs.
func (m *Linear) head(n int, features *tensors.Tensor, weight, bias *pose.Parameter) *tensors.Tensor {
	channels := weight.Value.Size()
	out := tensors.New(n, channels, m.outHeight, m.outWidth)
	w, b := weight.Value.Data(), bias.Value.Data()
	plane := m.outHeight * m.outWidth
	featData := features.Data()
	outData := out.Data()
	for nn := 0; nn < n; nn++ {
		feat := featData[nn*plane : (nn+1)*plane]
		for k := 0; k < channels; k++ {
			dst := outData[(nn*channels+k)*plane : (nn*channels+k+1)*plane]
			for pp, f := range feat {
				dst[pp] = w[k]*f + b[k]
			}
		}
	}
	return out
}

// Loss implements pose.Model: masked mean squared error over heatmaps and
// PAFs.
func (m *Linear) Loss(preds *pose.Predictions, target *pose.EncodedTarget, masks *tensors.Tensor) float32 {
	loss := maskedMSE(preds.Heatmaps, target.Heatmaps, masks)
	loss += maskedMSE(preds.PAFs, target.PAFs, masks)
	return loss
}

// Gradients implements pose.Model, aligned with Parameters().
func (m *Linear) Gradients(preds *pose.Predictions, target *pose.EncodedTarget, masks *tensors.Tensor) []*tensors.Tensor {
	grads := make([]*tensors.Tensor, 6)
	for ii, param := range m.Parameters() {
		grads[ii] = tensors.New(param.Value.Dims()...)
	}
	dFeatures := tensors.New(m.lastPool.Dims()...)

	// Head gradients, accumulating d(loss)/d(features) on the way.
	m.headBackward(preds.Heatmaps, target.Heatmaps, masks, m.hmWeight, grads[2], grads[3], dFeatures)
	m.headBackward(preds.PAFs, target.PAFs, masks, m.pafWeight, grads[4], grads[5], dFeatures)

	m.backboneBackward(dFeatures, grads[0], grads[1])
	return grads
}

// headBackward accumulates the weight/bias gradients of one head and the
// upstream feature gradient.
func (m *Linear) headBackward(pred, target, masks *tensors.Tensor, weight *pose.Parameter,
	dWeight, dBias, dFeatures *tensors.Tensor) {
	n, channels := pred.Dim(0), pred.Dim(1)
	plane := m.outHeight * m.outWidth
	count := float32(pred.Size())
	w := weight.Value.Data()
	features := m.featuresData()
	maskData := masks.Data()

	predData, targetData := pred.Data(), target.Data()
	dW, dB, dF := dWeight.Data(), dBias.Data(), dFeatures.Data()
	for nn := 0; nn < n; nn++ {
		for k := 0; k < channels; k++ {
			base := (nn*channels + k) * plane
			for pp := 0; pp < plane; pp++ {
				mask := maskData[nn*plane+pp]
				if mask == 0 {
					continue
				}
				dOut := 2 * mask * (predData[base+pp] - targetData[base+pp]) / count
				dW[k] += dOut * features[nn*plane+pp]
				dB[k] += dOut
				dF[nn*plane+pp] += dOut * w[k]
			}
		}
	}
}

// backboneBackward converts a feature gradient into the backbone affine
// parameter gradients.
func (m *Linear) backboneBackward(dFeatures, dScale, dBias *tensors.Tensor) {
	poolData := m.lastPool.Data()
	var sumScale, sumBias float32
	for ii, g := range dFeatures.Data() {
		sumScale += g * poolData[ii]
		sumBias += g
	}
	dScale.Data()[0] += sumScale
	dBias.Data()[0] += sumBias
}

// AdaptationGradients implements pose.FeatureBackprop.
func (m *Linear) AdaptationGradients(preds *pose.Predictions, featureGrad *tensors.Tensor) []*tensors.Tensor {
	grads := make([]*tensors.Tensor, 6)
	for ii, param := range m.Parameters() {
		grads[ii] = tensors.New(param.Value.Dims()...)
	}
	// Only the backbone parameters feed the backbone features.
	m.backboneBackward(featureGrad, grads[0], grads[1])
	return grads
}

// featuresData recomputes the affine features of the cached pool, flat.
func (m *Linear) featuresData() []float32 {
	scale := m.backboneScale.Value.Data()[0]
	bias := m.backboneBias.Value.Data()[0]
	pool := m.lastPool.Data()
	out := make([]float32, len(pool))
	for ii, v := range pool {
		out[ii] = scale*v + bias
	}
	return out
}

// maskedMSE computes mean squared error with per-pixel mask weighting. The
// mask has one channel, shared by all prediction channels.
func maskedMSE(pred, target, masks *tensors.Tensor) float32 {
	if !pred.SameShape(target) {
		exceptions.Panicf("models: prediction shape %v does not match target %v", pred.Dims(), target.Dims())
	}
	n, channels := pred.Dim(0), pred.Dim(1)
	plane := pred.Dim(2) * pred.Dim(3)
	predData, targetData, maskData := pred.Data(), target.Data(), masks.Data()
	var sum float64
	for nn := 0; nn < n; nn++ {
		for k := 0; k < channels; k++ {
			base := (nn*channels + k) * plane
			for pp := 0; pp < plane; pp++ {
				diff := float64(predData[base+pp] - targetData[base+pp])
				sum += float64(maskData[nn*plane+pp]) * diff * diff
			}
		}
	}
	return float32(sum / float64(pred.Size()))
}

// LogisticDiscriminator classifies the mean backbone feature of each sample
// with a single logistic unit. Exact gradients.
type LogisticDiscriminator struct {
	weight *pose.Parameter // [1]
	bias   *pose.Parameter // [1]
}

// NewLogisticDiscriminator creates the discriminator with zero weights.
func NewLogisticDiscriminator() *LogisticDiscriminator {
	return &LogisticDiscriminator{
		weight: &pose.Parameter{Name: "disc/weight", Value: tensors.New(1)},
		bias:   &pose.Parameter{Name: "disc/bias", Value: tensors.New(1)},
	}
}

// Parameters implements pose.Discriminator.
func (d *LogisticDiscriminator) Parameters() []*pose.Parameter {
	return []*pose.Parameter{d.weight, d.bias}
}

// logits returns the per-sample mean feature and logistic output.
func (d *LogisticDiscriminator) logits(features *tensors.Tensor) (means, probs []float32) {
	n := features.Dim(0)
	plane := features.Size() / n
	data := features.Data()
	w, b := d.weight.Value.Data()[0], d.bias.Value.Data()[0]
	means = make([]float32, n)
	probs = make([]float32, n)
	for nn := 0; nn < n; nn++ {
		var sum float32
		for _, v := range data[nn*plane : (nn+1)*plane] {
			sum += v
		}
		means[nn] = sum / float32(plane)
		z := float64(w*means[nn] + b)
		probs[nn] = float32(1 / (1 + math.Exp(-z)))
	}
	return means, probs
}

// Loss implements pose.Discriminator: mean binary cross-entropy.
func (d *LogisticDiscriminator) Loss(features *tensors.Tensor, labels []float32) float32 {
	_, probs := d.logits(features)
	const eps = 1e-7
	var sum float64
	for nn, p := range probs {
		pc := math.Min(math.Max(float64(p), eps), 1-eps)
		if labels[nn] > 0.5 {
			sum -= math.Log(pc)
		} else {
			sum -= math.Log(1 - pc)
		}
	}
	return float32(sum / float64(len(probs)))
}

// Gradients implements pose.Discriminator, aligned with Parameters().
func (d *LogisticDiscriminator) Gradients(features *tensors.Tensor, labels []float32) []*tensors.Tensor {
	means, probs := d.logits(features)
	dW, dB := tensors.New(1), tensors.New(1)
	n := float32(len(probs))
	for nn, p := range probs {
		dZ := (p - labels[nn]) / n
		dW.Data()[0] += dZ * means[nn]
		dB.Data()[0] += dZ
	}
	return []*tensors.Tensor{dW, dB}
}

// FeatureGradients implements pose.Discriminator.
func (d *LogisticDiscriminator) FeatureGradients(features *tensors.Tensor, labels []float32) *tensors.Tensor {
	_, probs := d.logits(features)
	n := features.Dim(0)
	plane := features.Size() / n
	w := d.weight.Value.Data()[0]
	out := tensors.New(features.Dims()...)
	outData := out.Data()
	for nn, p := range probs {
		dMean := (p - labels[nn]) / float32(len(probs)) * w
		g := dMean / float32(plane)
		for pp := 0; pp < plane; pp++ {
			outData[nn*plane+pp] = g
		}
	}
	return out
}

// Package pose defines the data model of the pose training engine — samples,
// encoded training targets and batches — and the interfaces of the external
// collaborators: the model, the adversarial discriminator, the augmentor, the
// ground-truth preprocessor and the dataset.
package pose

import (
	"github.com/Arxtage/hyperpose/tensors"
)

// Keypoint is one annotated body-part position, in image pixel coordinates.
// A keypoint with Visible == false is not annotated and must be ignored by
// the encoders.
type Keypoint struct {
	X, Y    float32
	Visible bool
}

// Person is the ordered keypoint set of one annotated person. The order is
// the part topology the preprocessor was configured with.
type Person []Keypoint

// Sample is one raw training example as produced by the sample loader.
// It is immutable once produced.
type Sample struct {
	// Image in [H, W, 3] channels-last layout, values in [0, 1].
	Image *tensors.Tensor

	// People holds the per-person keypoint annotations.
	People []Person

	// Labeled distinguishes real annotated samples from synthetic or
	// unlabeled-domain samples, used by the adversarial adaptation loss.
	Labeled bool

	// Mask is the optional encoded validity mask. A nil or malformed mask
	// degrades to an all-valid mask of the image's spatial shape.
	Mask *MaskSpec
}

// EncodedTarget holds the ground-truth regression targets for one sample,
// or — stacked with a leading batch axis — for a whole batch.
type EncodedTarget struct {
	// Heatmaps has shape [parts, H', W'] per sample.
	Heatmaps *tensors.Tensor

	// PAFs holds the part-affinity fields, shape [2*limbs, H', W'] per
	// sample: x and y components interleaved per limb.
	PAFs *tensors.Tensor
}

// ChannelOrder selects the tensor layout the model consumes.
type ChannelOrder int

const (
	// ChannelsFirst is the [N, C, H, W] layout.
	ChannelsFirst ChannelOrder = iota
	// ChannelsLast is the [N, H, W, C] layout.
	ChannelsLast
)

// String implements fmt.Stringer.
func (c ChannelOrder) String() string {
	if c == ChannelsFirst {
		return "channels_first"
	}
	return "channels_last"
}

// Batch is one training batch. All samples in a batch share spatial
// dimensions, both at input and at target resolution.
type Batch struct {
	// Images, layout per the configured ChannelOrder.
	Images *tensors.Tensor

	// Masks holds the per-pixel validity masks, one channel per sample, at
	// target resolution: their only consumer is the loss, which compares
	// predictions and targets at that resolution. The input-resolution mask
	// is already applied to the image pixels before batching.
	Masks *tensors.Tensor

	// Targets holds the stacked encoded ground truth.
	Targets *EncodedTarget

	// Labeled holds one 0.0/1.0 flag per sample.
	Labeled []float32
}

// BatchSize returns the number of samples in the batch.
func (b *Batch) BatchSize() int { return len(b.Labeled) }

// Predictions is the model forward-pass output consumed by the loss, the
// visualizer and the adaptation discriminator. Per-stage intermediate
// outputs stay inside the model.
type Predictions struct {
	// Heatmaps and PAFs are the final-stage outputs, stacked over the batch.
	Heatmaps *tensors.Tensor
	PAFs     *tensors.Tensor

	// BackboneFeatures is the shared intermediate representation used by
	// the adaptation discriminator. May be nil if the model does not expose
	// one.
	BackboneFeatures *tensors.Tensor
}

// Parameter is one named trainable tensor. Names are unique within an owner
// and stable across process restarts: they key checkpoint storage.
type Parameter struct {
	Name  string
	Value *tensors.Tensor
}

// Model is the trained network. The architecture, the loss formula and the
// gradient computation are owned by the implementation; the engine only
// drives them.
type Model interface {
	Name() string

	// Forward computes the predictions for a batch of images.
	Forward(images *tensors.Tensor, training bool) *Predictions

	// Loss computes the task loss (heatmap + PAF regression, weighted over
	// supervision stages) for the given predictions.
	Loss(preds *Predictions, target *EncodedTarget, masks *tensors.Tensor) float32

	// Gradients returns the task-loss gradients, aligned with Parameters().
	Gradients(preds *Predictions, target *EncodedTarget, masks *tensors.Tensor) []*tensors.Tensor

	// Parameters enumerates the trainable parameters.
	Parameters() []*Parameter

	// BackboneName identifies the backbone for pretrained-weights loading:
	// backbone parameters are the ones whose name carries this prefix.
	BackboneName() string
}

// FeatureBackprop is implemented by models that can propagate an extra
// gradient signal on their backbone features back to their trainable
// parameters. It is required when domain adaptation is enabled.
type FeatureBackprop interface {
	// AdaptationGradients returns d(extraLoss)/d(params) given
	// featureGrad = d(extraLoss)/d(BackboneFeatures), aligned with
	// Parameters().
	AdaptationGradients(preds *Predictions, featureGrad *tensors.Tensor) []*tensors.Tensor
}

// Discriminator is the adversarial domain-adaptation network. It classifies
// backbone features as labeled-domain vs unlabeled-domain.
type Discriminator interface {
	// Loss computes the classification loss of the features against the
	// given per-sample labels.
	Loss(features *tensors.Tensor, labels []float32) float32

	// Gradients returns the gradients of Loss with respect to the
	// discriminator's own parameters, aligned with Parameters().
	Gradients(features *tensors.Tensor, labels []float32) []*tensors.Tensor

	// FeatureGradients returns d(Loss)/d(features), used for the
	// generator-side adaptation update of the model.
	FeatureGradients(features *tensors.Tensor, labels []float32) *tensors.Tensor

	// Parameters enumerates the discriminator's trainable parameters.
	Parameters() []*Parameter
}

// Augmentor applies a joint geometric + photometric transform to an image,
// its annotations and its validity mask. The same spatial transform must be
// applied to all three so they stay geometrically consistent. Augmentors are
// stateless across calls and safe for concurrent use.
type Augmentor interface {
	Process(image *tensors.Tensor, people []Person, mask *tensors.Tensor) (
		imageOut *tensors.Tensor, peopleOut []Person, maskOut *tensors.Tensor, err error)
}

// Preprocessor encodes transformed annotations into trainable targets.
// Preprocessors are stateless across calls and safe for concurrent use.
type Preprocessor interface {
	Process(people []Person, mask *tensors.Tensor) (*EncodedTarget, error)
}

// SampleSource is one sequential pass over a dataset. Next returns io.EOF
// once the pass is exhausted; Reset rewinds for another pass.
type SampleSource interface {
	Next() (*Sample, error)
	Reset() error
}

// Dataset enumerates the training data. The record format is opaque to the
// engine.
type Dataset interface {
	// TrainingSamples opens a fresh pass over the training samples.
	TrainingSamples() (SampleSource, error)

	// TrainingSize returns the number of training samples in one pass.
	TrainingSize() int
}

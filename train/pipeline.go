// Package train implements the training engine: the batch pipeline, the
// learning-rate schedule, the step executor and the single- and multi-worker
// orchestration loops.
package train

import (
	"io"
	"math/rand"
	"runtime"
	"sync"

	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/tensors"
	"github.com/pkg/errors"
)

const (
	// DefaultShuffleBuffer is the reservoir size of the pipeline shuffle.
	DefaultShuffleBuffer = 4096

	// DefaultPrefetch is the number of ready batches kept ahead of the
	// training loop.
	DefaultPrefetch = 3

	// Photometric jitter bounds, applied per sample at batch assembly.
	jitterBrightness = 35.0 / 255.0
	jitterContrastLo = 0.5
	jitterContrastHi = 1.5
)

// ErrStopped is returned by Pipeline.Next after Stop was called.
var ErrStopped = errors.New("pipeline stopped")

// PipelineConfig configures a batch pipeline. Create it with NewPipeline,
// set the options and call Done.
type PipelineConfig struct {
	dataset       pose.Dataset
	batchSize     int
	shuffleBuffer int
	rank, world   int
	parallelism   int
	prefetch      int
	augmentor     pose.Augmentor
	preprocessor  pose.Preprocessor
	order         pose.ChannelOrder
	jitter        bool
	seed          int64
}

// NewPipeline creates the configuration of a batch pipeline over the given
// dataset. The pipeline repeats the dataset indefinitely: shard, shuffle,
// augment and encode in parallel, assemble fixed-size batches and prefetch.
func NewPipeline(dataset pose.Dataset) *PipelineConfig {
	return &PipelineConfig{
		dataset:       dataset,
		batchSize:     8,
		shuffleBuffer: DefaultShuffleBuffer,
		world:         1,
		parallelism:   runtime.NumCPU(),
		prefetch:      DefaultPrefetch,
		order:         pose.ChannelsFirst,
		jitter:        true,
		seed:          1,
	}
}

// BatchSize sets the fixed batch size. The pipeline never emits partial
// batches. It returns the config so calls can be cascaded.
func (c *PipelineConfig) BatchSize(n int) *PipelineConfig {
	c.batchSize = n
	return c
}

// ShuffleBuffer sets the shuffle reservoir size.
// It returns the config so calls can be cascaded.
func (c *PipelineConfig) ShuffleBuffer(n int) *PipelineConfig {
	c.shuffleBuffer = n
	return c
}

// Shard keeps only every worldSize-th sample starting at rank, so
// cooperating workers consume disjoint subsets. Sharding happens before
// shuffling, on the source order.
// It returns the config so calls can be cascaded.
func (c *PipelineConfig) Shard(rank, worldSize int) *PipelineConfig {
	c.rank, c.world = rank, worldSize
	return c
}

// Parallelism sets the number of sample-processing goroutines. Values
// below 1 keep the default (the host CPU count).
// It returns the config so calls can be cascaded.
func (c *PipelineConfig) Parallelism(n int) *PipelineConfig {
	if n >= 1 {
		c.parallelism = n
	}
	return c
}

// Prefetch sets the number of ready batches buffered ahead of consumption.
// It returns the config so calls can be cascaded.
func (c *PipelineConfig) Prefetch(n int) *PipelineConfig {
	c.prefetch = n
	return c
}

// Augmentor sets the geometric augmentor. Nil disables augmentation.
// It returns the config so calls can be cascaded.
func (c *PipelineConfig) Augmentor(a pose.Augmentor) *PipelineConfig {
	c.augmentor = a
	return c
}

// Preprocessor sets the ground-truth encoder. Required.
// It returns the config so calls can be cascaded.
func (c *PipelineConfig) Preprocessor(p pose.Preprocessor) *PipelineConfig {
	c.preprocessor = p
	return c
}

// Layout sets the tensor layout of the emitted image and mask batches.
// It returns the config so calls can be cascaded.
func (c *PipelineConfig) Layout(order pose.ChannelOrder) *PipelineConfig {
	c.order = order
	return c
}

// Jitter enables or disables the photometric brightness/contrast jitter.
// It returns the config so calls can be cascaded.
func (c *PipelineConfig) Jitter(enabled bool) *PipelineConfig {
	c.jitter = enabled
	return c
}

// Seed sets the random seed of the shuffle and the jitter.
// It returns the config so calls can be cascaded.
func (c *PipelineConfig) Seed(seed int64) *PipelineConfig {
	c.seed = seed
	return c
}

// Done validates the configuration and starts the pipeline goroutines.
func (c *PipelineConfig) Done() (*Pipeline, error) {
	if c.dataset == nil {
		return nil, errors.New("pipeline requires a dataset")
	}
	if c.preprocessor == nil {
		return nil, errors.New("pipeline requires a preprocessor")
	}
	if c.batchSize < 1 {
		return nil, errors.Errorf("invalid batch size %d", c.batchSize)
	}
	if c.world < 1 || c.rank < 0 || c.rank >= c.world {
		return nil, errors.Errorf("invalid shard %d of %d", c.rank, c.world)
	}
	if c.shuffleBuffer < 1 {
		return nil, errors.Errorf("invalid shuffle buffer %d", c.shuffleBuffer)
	}
	if c.parallelism < 1 {
		c.parallelism = 1
	}
	if c.prefetch < 1 {
		c.prefetch = 1
	}
	source, err := c.dataset.TrainingSamples()
	if err != nil {
		return nil, errors.WithMessage(err, "opening training samples")
	}

	p := &Pipeline{
		config:    *c,
		raw:       make(chan *pose.Sample, c.parallelism),
		processed: make(chan *processedSample, c.parallelism),
		batches:   make(chan *pose.Batch, c.prefetch),
		stop:      make(chan struct{}),
	}
	go p.feed(source)
	for ii := 0; ii < c.parallelism; ii++ {
		go p.work()
	}
	go p.assemble()
	return p, nil
}

// processedSample is one sample after augmentation and target encoding,
// ready for batch assembly. The image stays channels-last until assembly.
type processedSample struct {
	image   *tensors.Tensor // [H, W, 3]
	mask    *tensors.Tensor // [H', W', 1], at target resolution
	target  *pose.EncodedTarget
	labeled float32
}

// Pipeline is a running batch pipeline. It keeps producing batches until
// Stop is called or an error occurs; errors are terminal.
type Pipeline struct {
	config    PipelineConfig
	raw       chan *pose.Sample
	processed chan *processedSample
	batches   chan *pose.Batch

	stop     chan struct{}
	stopOnce sync.Once
	muErr    sync.Mutex
	err      error
}

// Next blocks until the next batch is ready. After Stop it returns
// ErrStopped; after a processing failure it returns that failure, forever.
func (p *Pipeline) Next() (*pose.Batch, error) {
	select {
	case <-p.stop:
		return nil, p.failure()
	case batch := <-p.batches:
		return batch, nil
	}
}

// Stop shuts the pipeline down. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.halt(nil)
}

func (p *Pipeline) failure() error {
	p.muErr.Lock()
	defer p.muErr.Unlock()
	if p.err != nil {
		return p.err
	}
	return ErrStopped
}

// halt records the first error (nil for a clean stop) and releases every
// goroutine blocked on a channel.
func (p *Pipeline) halt(err error) {
	p.muErr.Lock()
	if err != nil && p.err == nil {
		p.err = err
	}
	p.muErr.Unlock()
	p.stopOnce.Do(func() { close(p.stop) })
}

// feed reads the source sequentially, shards by source ordinal, shuffles
// through a reservoir and repeats the dataset indefinitely. The reservoir
// is drained in random order at the end of each pass, so every kept sample
// is seen once per pass.
func (p *Pipeline) feed(source pose.SampleSource) {
	rng := rand.New(rand.NewSource(p.config.seed))
	buffer := make([]*pose.Sample, 0, p.config.shuffleBuffer)
	ordinal, kept := 0, 0

	emit := func(sample *pose.Sample) bool {
		select {
		case <-p.stop:
			return false
		case p.raw <- sample:
			return true
		}
	}

	for {
		sample, err := source.Next()
		if err == io.EOF {
			if kept == 0 {
				p.halt(errors.Errorf("dataset pass yields no samples for shard %d of %d",
					p.config.rank, p.config.world))
				return
			}
			rng.Shuffle(len(buffer), func(i, j int) { buffer[i], buffer[j] = buffer[j], buffer[i] })
			for _, buffered := range buffer {
				if !emit(buffered) {
					return
				}
			}
			buffer = buffer[:0]
			if err := source.Reset(); err != nil {
				p.halt(errors.WithMessage(err, "resetting sample source"))
				return
			}
			ordinal, kept = 0, 0
			continue
		}
		if err != nil {
			p.halt(errors.WithMessage(err, "reading sample"))
			return
		}
		if ordinal%p.config.world != p.config.rank {
			ordinal++
			continue
		}
		ordinal++
		kept++
		if len(buffer) < p.config.shuffleBuffer {
			buffer = append(buffer, sample)
			continue
		}
		idx := rng.Intn(len(buffer))
		if !emit(buffer[idx]) {
			return
		}
		buffer[idx] = sample
	}
}

// work processes raw samples: decode the validity mask, augment, mask out
// invalid pixels and encode the training targets. A failing sample fails
// the whole pipeline.
func (p *Pipeline) work() {
	for {
		var sample *pose.Sample
		select {
		case <-p.stop:
			return
		case sample = <-p.raw:
		}

		image := sample.Image
		people := sample.People
		mask := pose.DecodeMaskOrDefault(sample)
		if p.config.augmentor != nil {
			var err error
			image, people, mask, err = p.config.augmentor.Process(image, people, mask)
			if err != nil {
				p.halt(errors.WithMessage(err, "augmenting sample"))
				return
			}
		} else {
			// Masking and jitter mutate the image; keep the source intact
			// since the dataset is re-read every pass.
			image = image.Clone()
		}
		pose.ApplyMask(image, mask)
		target, err := p.config.preprocessor.Process(people, mask)
		if err != nil {
			p.halt(errors.WithMessage(err, "encoding targets"))
			return
		}
		out := &processedSample{
			image:  image,
			mask:   resizeMaskNearest(mask, target.Heatmaps.Dim(1), target.Heatmaps.Dim(2)),
			target: target,
		}
		if sample.Labeled {
			out.labeled = 1
		}
		select {
		case <-p.stop:
			return
		case p.processed <- out:
		}
	}
}

// assemble collects fixed-size batches, applies the photometric jitter and
// stacks everything into the batch tensors.
func (p *Pipeline) assemble() {
	rng := rand.New(rand.NewSource(p.config.seed + 1))
	pending := make([]*processedSample, 0, p.config.batchSize)
	for {
		var sample *processedSample
		select {
		case <-p.stop:
			return
		case sample = <-p.processed:
		}
		pending = append(pending, sample)
		if len(pending) < p.config.batchSize {
			continue
		}

		batch := p.buildBatch(pending, rng)
		pending = pending[:0]
		select {
		case <-p.stop:
			return
		case p.batches <- batch:
		}
	}
}

func (p *Pipeline) buildBatch(samples []*processedSample, rng *rand.Rand) *pose.Batch {
	images := make([]*tensors.Tensor, len(samples))
	masks := make([]*tensors.Tensor, len(samples))
	heatmaps := make([]*tensors.Tensor, len(samples))
	pafs := make([]*tensors.Tensor, len(samples))
	labeled := make([]float32, len(samples))
	for ii, sample := range samples {
		image := sample.image
		if p.config.jitter {
			jitterImage(image, rng)
		}
		mask := sample.mask
		if p.config.order == pose.ChannelsFirst {
			image = image.HWCToCHW()
			mask = mask.HWCToCHW()
		}
		images[ii] = image
		masks[ii] = mask
		heatmaps[ii] = sample.target.Heatmaps
		pafs[ii] = sample.target.PAFs
		labeled[ii] = sample.labeled
	}
	return &pose.Batch{
		Images: tensors.Stack(images),
		Masks:  tensors.Stack(masks),
		Targets: &pose.EncodedTarget{
			Heatmaps: tensors.Stack(heatmaps),
			PAFs:     tensors.Stack(pafs),
		},
		Labeled: labeled,
	}
}

// jitterImage applies a random brightness shift and a random contrast
// rescale around the per-channel mean, clipping back to [0, 1]. In place.
func jitterImage(image *tensors.Tensor, rng *rand.Rand) {
	height, width, channels := image.Dim(0), image.Dim(1), image.Dim(2)
	data := image.Data()

	brightness := float32((rng.Float64()*2 - 1) * jitterBrightness)
	contrast := float32(jitterContrastLo + rng.Float64()*(jitterContrastHi-jitterContrastLo))

	means := make([]float32, channels)
	for ii, v := range data {
		means[ii%channels] += v
	}
	for c := range means {
		means[c] /= float32(height * width)
	}
	for ii := range data {
		mean := means[ii%channels]
		v := (data[ii]-mean)*contrast + mean + brightness
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		data[ii] = v
	}
}

// resizeMaskNearest downsamples a [H, W, 1] mask to the target resolution
// with nearest-neighbor sampling.
func resizeMaskNearest(mask *tensors.Tensor, outHeight, outWidth int) *tensors.Tensor {
	inHeight, inWidth := mask.Dim(0), mask.Dim(1)
	if inHeight == outHeight && inWidth == outWidth {
		return mask
	}
	out := tensors.New(outHeight, outWidth, 1)
	for y := 0; y < outHeight; y++ {
		srcY := y * inHeight / outHeight
		for x := 0; x < outWidth; x++ {
			srcX := x * inWidth / outWidth
			out.Set(mask.At(srcY, srcX, 0), y, x, 0)
		}
	}
	return out
}

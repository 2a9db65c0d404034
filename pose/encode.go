package pose

import (
	"math"

	"github.com/Arxtage/hyperpose/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// StandardPreprocessor is the default Preprocessor: per-part gaussian
// heatmaps and per-limb part-affinity fields at the model's output
// resolution.
type StandardPreprocessor struct {
	parts               int
	limbs               [][2]int
	inHeight, inWidth   int
	outHeight, outWidth int
	sigma               float64
	limbWidth           float64
}

// NewStandardPreprocessor creates a preprocessor for the given part/limb
// topology, mapping annotations at the input resolution to targets at the
// output resolution.
func NewStandardPreprocessor(parts int, limbs [][2]int, inHeight, inWidth, outHeight, outWidth int) *StandardPreprocessor {
	if parts <= 0 || inHeight <= 0 || inWidth <= 0 || outHeight <= 0 || outWidth <= 0 {
		exceptions.Panicf("pose.NewStandardPreprocessor: invalid topology or resolution")
	}
	for _, limb := range limbs {
		if limb[0] < 0 || limb[0] >= parts || limb[1] < 0 || limb[1] >= parts {
			exceptions.Panicf("pose.NewStandardPreprocessor: limb %v out of range for %d parts", limb, parts)
		}
	}
	return &StandardPreprocessor{
		parts:     parts,
		limbs:     limbs,
		inHeight:  inHeight,
		inWidth:   inWidth,
		outHeight: outHeight,
		outWidth:  outWidth,
		sigma:     1.5,
		limbWidth: 1.0,
	}
}

// WithSigma sets the gaussian radius of the heatmap peaks, in output-grid
// pixels. It returns the preprocessor so calls can be cascaded.
func (p *StandardPreprocessor) WithSigma(sigma float64) *StandardPreprocessor {
	p.sigma = sigma
	return p
}

// Parts returns the number of body parts encoded.
func (p *StandardPreprocessor) Parts() int { return p.parts }

// Limbs returns the limb topology encoded.
func (p *StandardPreprocessor) Limbs() [][2]int { return p.limbs }

// OutputSize returns the target resolution.
func (p *StandardPreprocessor) OutputSize() (height, width int) {
	return p.outHeight, p.outWidth
}

// Process implements Preprocessor.
func (p *StandardPreprocessor) Process(people []Person, mask *tensors.Tensor) (*EncodedTarget, error) {
	for _, person := range people {
		if len(person) > p.parts {
			return nil, errors.Errorf("annotation has %d keypoints, topology has %d parts", len(person), p.parts)
		}
	}
	scaleX := float64(p.outWidth) / float64(p.inWidth)
	scaleY := float64(p.outHeight) / float64(p.inHeight)

	heatmaps := tensors.New(p.parts, p.outHeight, p.outWidth)
	for _, person := range people {
		for part, kpt := range person {
			if !kpt.Visible {
				continue
			}
			p.splatGaussian(heatmaps, part, float64(kpt.X)*scaleX, float64(kpt.Y)*scaleY)
		}
	}

	var pafs *tensors.Tensor
	if len(p.limbs) > 0 {
		pafs = tensors.New(2*len(p.limbs), p.outHeight, p.outWidth)
		counts := make([]int, p.outHeight*p.outWidth)
		for limbIdx, limb := range p.limbs {
			for ii := range counts {
				counts[ii] = 0
			}
			for _, person := range people {
				if limb[0] >= len(person) || limb[1] >= len(person) {
					continue
				}
				from, to := person[limb[0]], person[limb[1]]
				if !from.Visible || !to.Visible {
					continue
				}
				p.splatLimb(pafs, counts, limbIdx,
					float64(from.X)*scaleX, float64(from.Y)*scaleY,
					float64(to.X)*scaleX, float64(to.Y)*scaleY)
			}
			// Average overlapping limbs of different people.
			xPlane := pafs.Data()[(2*limbIdx)*len(counts) : (2*limbIdx+1)*len(counts)]
			yPlane := pafs.Data()[(2*limbIdx+1)*len(counts) : (2*limbIdx+2)*len(counts)]
			for ii, n := range counts {
				if n > 1 {
					xPlane[ii] /= float32(n)
					yPlane[ii] /= float32(n)
				}
			}
		}
	} else {
		pafs = tensors.New(1, p.outHeight, p.outWidth)
	}
	return &EncodedTarget{Heatmaps: heatmaps, PAFs: pafs}, nil
}

func (p *StandardPreprocessor) splatGaussian(heatmaps *tensors.Tensor, part int, cx, cy float64) {
	radius := int(math.Ceil(3 * p.sigma))
	x0 := clampInt(int(cx)-radius, 0, p.outWidth-1)
	x1 := clampInt(int(cx)+radius, 0, p.outWidth-1)
	y0 := clampInt(int(cy)-radius, 0, p.outHeight-1)
	y1 := clampInt(int(cy)+radius, 0, p.outHeight-1)
	twoSigmaSq := 2 * p.sigma * p.sigma
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			v := float32(math.Exp(-(dx*dx + dy*dy) / twoSigmaSq))
			if v > heatmaps.At(part, y, x) {
				// Overlapping peaks of different people take the max.
				heatmaps.Set(v, part, y, x)
			}
		}
	}
}

func (p *StandardPreprocessor) splatLimb(pafs *tensors.Tensor, counts []int, limbIdx int, x1, y1, x2, y2 float64) {
	dx, dy := x2-x1, y2-y1
	norm := math.Hypot(dx, dy)
	if norm < 1e-6 {
		return
	}
	ux, uy := dx/norm, dy/norm
	minX := clampInt(int(math.Floor(math.Min(x1, x2)-p.limbWidth)), 0, p.outWidth-1)
	maxX := clampInt(int(math.Ceil(math.Max(x1, x2)+p.limbWidth)), 0, p.outWidth-1)
	minY := clampInt(int(math.Floor(math.Min(y1, y2)-p.limbWidth)), 0, p.outHeight-1)
	maxY := clampInt(int(math.Ceil(math.Max(y1, y2)+p.limbWidth)), 0, p.outHeight-1)
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			// Distance along and across the limb segment.
			px, py := float64(x)-x1, float64(y)-y1
			along := px*ux + py*uy
			across := math.Abs(px*uy - py*ux)
			if along < 0 || along > norm || across > p.limbWidth {
				continue
			}
			flat := y*p.outWidth + x
			pafs.Data()[(2*limbIdx)*len(counts)+flat] += float32(ux)
			pafs.Data()[(2*limbIdx+1)*len(counts)+flat] += float32(uy)
			counts[flat]++
		}
	}
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

package pose

import (
	"github.com/Arxtage/hyperpose/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaskSpec is the compact on-record encoding of a per-pixel validity mask:
// row-major run lengths alternating invalid/valid, starting with invalid.
// An empty Runs slice means fully valid.
type MaskSpec struct {
	Height int   `json:"height"`
	Width  int   `json:"width"`
	Runs   []int `json:"runs"`
}

// Decode expands the run-length encoding into a [H, W, 1] tensor with 1 for
// valid pixels and 0 for invalid ones. It returns an error if the encoding
// is malformed (non-positive dimensions, negative runs, or runs that don't
// cover exactly H*W pixels).
func (m *MaskSpec) Decode() (*tensors.Tensor, error) {
	if m.Height <= 0 || m.Width <= 0 {
		return nil, errors.Errorf("mask has invalid dimensions %dx%d", m.Width, m.Height)
	}
	total := m.Height * m.Width
	out := tensors.New(m.Height, m.Width, 1)
	data := out.Data()
	pos := 0
	value := float32(0) // Runs start with invalid pixels.
	for _, run := range m.Runs {
		if run < 0 {
			return nil, errors.Errorf("mask has negative run length %d", run)
		}
		if pos+run > total {
			return nil, errors.Errorf("mask runs cover %d pixels, image has %d", pos+run, total)
		}
		for ii := 0; ii < run; ii++ {
			data[pos] = value
			pos++
		}
		value = 1 - value
	}
	if len(m.Runs) == 0 {
		// Fully valid.
		out.Fill(1)
		return out, nil
	}
	if pos != total {
		return nil, errors.Errorf("mask runs cover %d pixels, image has %d", pos, total)
	}
	return out, nil
}

// DefaultMask returns the all-valid [H, W, 1] mask.
func DefaultMask(height, width int) *tensors.Tensor {
	return tensors.Ones(height, width, 1)
}

// DecodeMaskOrDefault decodes the sample's mask, degrading to the all-valid
// mask of the image's spatial shape when the mask is absent or malformed.
// A malformed mask is a recoverable condition: it is logged, never raised.
func DecodeMaskOrDefault(sample *Sample) *tensors.Tensor {
	height, width := sample.Image.Dim(0), sample.Image.Dim(1)
	if sample.Mask == nil {
		return DefaultMask(height, width)
	}
	mask, err := sample.Mask.Decode()
	if err != nil {
		klog.Warningf("malformed sample mask, using all-valid mask: %v", err)
		return DefaultMask(height, width)
	}
	if mask.Dim(0) != height || mask.Dim(1) != width {
		klog.Warningf("sample mask is %dx%d but image is %dx%d, using all-valid mask",
			mask.Dim(1), mask.Dim(0), width, height)
		return DefaultMask(height, width)
	}
	return mask
}

// ApplyMask zeroes the invalid regions of a [H, W, C] image given a
// [H, W, 1] mask, in place.
func ApplyMask(image, mask *tensors.Tensor) {
	channels := image.Dim(2)
	imgData := image.Data()
	maskData := mask.Data()
	for ii, m := range maskData {
		if m == 0 {
			base := ii * channels
			for c := 0; c < channels; c++ {
				imgData[base+c] = 0
			}
		}
	}
}

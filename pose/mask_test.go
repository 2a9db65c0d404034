package pose

import (
	"testing"

	"github.com/Arxtage/hyperpose/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskDecode(t *testing.T) {
	// 2x3 mask: 2 invalid, 3 valid, 1 invalid.
	spec := &MaskSpec{Height: 2, Width: 3, Runs: []int{2, 3, 1}}
	mask, err := spec.Decode()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 1}, mask.Dims())
	assert.Equal(t, []float32{0, 0, 1, 1, 1, 0}, mask.Data())

	// Empty runs mean fully valid.
	spec = &MaskSpec{Height: 2, Width: 2}
	mask, err = spec.Decode()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1, 1}, mask.Data())
}

func TestMaskDecodeMalformed(t *testing.T) {
	for _, spec := range []*MaskSpec{
		{Height: 0, Width: 3, Runs: []int{3}},
		{Height: 2, Width: 3, Runs: []int{5}},
		{Height: 2, Width: 3, Runs: []int{2, -1, 5}},
		{Height: 2, Width: 3, Runs: []int{4, 4}},
	} {
		_, err := spec.Decode()
		assert.Error(t, err, "spec %+v should not decode", spec)
	}
}

func TestDecodeMaskOrDefault(t *testing.T) {
	image := tensors.Ones(4, 5, 3)

	// Absent mask falls back to all-valid.
	sample := &Sample{Image: image}
	mask := DecodeMaskOrDefault(sample)
	assert.Equal(t, []int{4, 5, 1}, mask.Dims())
	assert.True(t, mask.Equal(tensors.Ones(4, 5, 1)))

	// Malformed mask falls back to all-valid too.
	sample = &Sample{Image: image, Mask: &MaskSpec{Height: 4, Width: 5, Runs: []int{1}}}
	mask = DecodeMaskOrDefault(sample)
	assert.True(t, mask.Equal(tensors.Ones(4, 5, 1)))

	// Mask of the wrong spatial shape falls back as well.
	sample = &Sample{Image: image, Mask: &MaskSpec{Height: 2, Width: 2}}
	mask = DecodeMaskOrDefault(sample)
	assert.True(t, mask.Equal(tensors.Ones(4, 5, 1)))
}

func TestApplyMaskDefaultLeavesImageUnchanged(t *testing.T) {
	image := tensors.New(2, 2, 3)
	for ii := range image.Data() {
		image.Data()[ii] = float32(ii) / 12
	}
	want := image.Clone()
	ApplyMask(image, DefaultMask(2, 2))
	assert.True(t, image.Equal(want))
}

func TestApplyMaskZeroesInvalidPixels(t *testing.T) {
	image := tensors.Ones(2, 2, 3)
	mask, err := (&MaskSpec{Height: 2, Width: 2, Runs: []int{1, 3}}).Decode()
	require.NoError(t, err)
	ApplyMask(image, mask)
	assert.Equal(t, []float32{0, 0, 0, 1, 1, 1, 1, 1, 1, 1, 1, 1}, image.Data())
}

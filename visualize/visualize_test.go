package visualize

import (
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderStep(t *testing.T) {
	dir := t.TempDir()
	renderer, err := NewRenderer(dir, pose.ChannelsFirst)
	require.NoError(t, err)

	batch := &pose.Batch{
		Images: tensors.Ones(2, 3, 16, 16),
		Masks:  tensors.Ones(2, 1, 8, 8),
		Targets: &pose.EncodedTarget{
			Heatmaps: tensors.Ones(2, 4, 8, 8),
			PAFs:     tensors.Ones(2, 2, 8, 8),
		},
		Labeled: []float32{1, 0},
	}
	preds := &pose.Predictions{
		Heatmaps: tensors.New(2, 4, 8, 8),
		PAFs:     tensors.New(2, 2, 8, 8),
	}
	require.NoError(t, renderer.RenderStep(42, batch, preds))

	path := filepath.Join(dir, "train_00000042.png")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	// Input panel plus two heatmap panels, all at the input's height.
	assert.Equal(t, 16, img.Bounds().Dy())
	assert.Equal(t, 16+16+16, img.Bounds().Dx())
}

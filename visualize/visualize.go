// Package visualize renders training progress images: the input sample next
// to its ground-truth and predicted heatmaps, one PNG per rendered step.
package visualize

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/Arxtage/hyperpose/pose"
	"github.com/Arxtage/hyperpose/tensors"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Renderer writes progress PNGs into a directory.
type Renderer struct {
	dir   string
	order pose.ChannelOrder
}

// NewRenderer creates the output directory if needed.
func NewRenderer(dir string, order pose.ChannelOrder) (*Renderer, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, errors.WithMessagef(err, "creating visualization dir %q", dir)
	}
	return &Renderer{dir: dir, order: order}, nil
}

// RenderStep renders the first sample of the batch as train_<step>.png:
// input image, target heatmap and predicted heatmap side by side.
func (r *Renderer) RenderStep(step int64, batch *pose.Batch, preds *pose.Predictions) error {
	input := firstSample(batch.Images)
	if r.order == pose.ChannelsFirst {
		input = input.CHWToHWC()
	}
	inputImg := tensors.ToImage(input)
	height := inputImg.Bounds().Dy()

	panels := []image.Image{
		inputImg,
		heatmapPanel(firstSample(batch.Targets.Heatmaps), height),
		heatmapPanel(firstSample(preds.Heatmaps), height),
	}
	var width int
	for _, panel := range panels {
		width += panel.Bounds().Dx()
	}
	canvas := imaging.New(width, height, color.Black)
	offset := 0
	for _, panel := range panels {
		canvas = imaging.Paste(canvas, panel, image.Pt(offset, 0))
		offset += panel.Bounds().Dx()
	}

	path := filepath.Join(r.dir, fmt.Sprintf("train_%08d.png", step))
	return errors.WithMessagef(imaging.Save(canvas, path), "saving %q", path)
}

// firstSample strips the leading batch axis, viewing sample 0.
func firstSample(batch *tensors.Tensor) *tensors.Tensor {
	dims := batch.Dims()
	size := batch.Size() / dims[0]
	return tensors.FromFlat(batch.Data()[:size], dims[1:]...)
}

// heatmapPanel collapses [K, H', W'] heatmaps to their per-pixel max, scaled
// up to the given height.
func heatmapPanel(heatmaps *tensors.Tensor, height int) image.Image {
	channels, h, w := heatmaps.Dim(0), heatmaps.Dim(1), heatmaps.Dim(2)
	gray := tensors.New(h, w, 1)
	grayData := gray.Data()
	data := heatmaps.Data()
	plane := h * w
	for k := 0; k < channels; k++ {
		for pp := 0; pp < plane; pp++ {
			if v := data[k*plane+pp]; v > grayData[pp] {
				grayData[pp] = v
			}
		}
	}
	img := tensors.GrayToImage(gray)
	scaled := imaging.Resize(img, 0, height, imaging.NearestNeighbor)
	return scaled
}

package tensors

import (
	"image"
	"image/color"

	"github.com/gomlx/exceptions"
)

// FromImage converts an image to a [H, W, 3] channels-last tensor with
// values in [0, 1].
func FromImage(img image.Image) *Tensor {
	bounds := img.Bounds()
	h, w := bounds.Dy(), bounds.Dx()
	t := New(h, w, 3)
	pos := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			t.data[pos] = float32(r) / 0xffff
			t.data[pos+1] = float32(g) / 0xffff
			t.data[pos+2] = float32(b) / 0xffff
			pos += 3
		}
	}
	return t
}

// ToImage converts a [H, W, 3] channels-last tensor with values in [0, 1]
// back to an image. Values outside [0, 1] are clipped.
func ToImage(t *Tensor) *image.NRGBA {
	if t.Rank() != 3 || t.Dim(2) != 3 {
		exceptions.Panicf("tensors.ToImage: shape %v, want [H, W, 3]", t.Dims())
	}
	h, w := t.Dim(0), t.Dim(1)
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	pos := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: toByte(t.data[pos]),
				G: toByte(t.data[pos+1]),
				B: toByte(t.data[pos+2]),
				A: 0xff,
			})
			pos += 3
		}
	}
	return img
}

// GrayToImage converts a [H, W, 1] (or [H, W]) tensor to a grayscale image.
func GrayToImage(t *Tensor) *image.Gray {
	if t.Rank() != 2 && !(t.Rank() == 3 && t.Dim(2) == 1) {
		exceptions.Panicf("tensors.GrayToImage: shape %v, want [H, W] or [H, W, 1]", t.Dims())
	}
	h, w := t.Dim(0), t.Dim(1)
	img := image.NewGray(image.Rect(0, 0, w, h))
	for ii, v := range t.data {
		img.Pix[ii] = toByte(v)
	}
	return img
}

// GrayFromImage converts a grayscale (or any) image to a [H, W, 1] tensor
// with values in [0, 1], taking the red channel.
func GrayFromImage(img image.Image) *Tensor {
	bounds := img.Bounds()
	h, w := bounds.Dy(), bounds.Dx()
	t := New(h, w, 1)
	pos := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			t.data[pos] = float32(r) / 0xffff
			pos++
		}
	}
	return t
}

func toByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 0xff
	}
	return uint8(v*255 + 0.5)
}

package pose

import (
	"image"
	"image/color"
	"math"
	"math/rand"
	"sync"

	"github.com/Arxtage/hyperpose/tensors"
	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
)

// AffineAugmentor is the default Augmentor: a random rotation + zoom
// (optionally horizontal flip) applied jointly to image, keypoints and
// mask, followed by a center crop/pad to the configured input size.
//
// Create it with NewAffineAugmentor and configure it with the WithXxx
// methods before first use.
type AffineAugmentor struct {
	height, width      int
	angleMin, angleMax float64
	zoomMin, zoomMax   float64
	flipPairs          [][2]int
	flipEnabled        bool

	mu  sync.Mutex
	rng *rand.Rand
}

// NewAffineAugmentor creates an augmentor producing images of the given
// input size, with the default geometric bounds: rotation in [-30°, 30°]
// and zoom in [0.5, 0.8].
func NewAffineAugmentor(height, width int) *AffineAugmentor {
	if height <= 0 || width <= 0 {
		exceptions.Panicf("pose.NewAffineAugmentor: invalid target size %dx%d", width, height)
	}
	return &AffineAugmentor{
		height:   height,
		width:    width,
		angleMin: -30,
		angleMax: 30,
		zoomMin:  0.5,
		zoomMax:  0.8,
		rng:      rand.New(rand.NewSource(rand.Int63())),
	}
}

// WithAngleRange sets the rotation range in degrees.
// It returns the augmentor so calls can be cascaded.
func (a *AffineAugmentor) WithAngleRange(min, max float64) *AffineAugmentor {
	a.angleMin, a.angleMax = min, max
	return a
}

// WithZoomRange sets the zoom range.
// It returns the augmentor so calls can be cascaded.
func (a *AffineAugmentor) WithZoomRange(min, max float64) *AffineAugmentor {
	a.zoomMin, a.zoomMax = min, max
	return a
}

// WithFlipPairs enables random horizontal flipping. pairs lists the
// left/right part indices to swap when the image is mirrored.
// It returns the augmentor so calls can be cascaded.
func (a *AffineAugmentor) WithFlipPairs(pairs [][2]int) *AffineAugmentor {
	a.flipPairs = pairs
	a.flipEnabled = true
	return a
}

// WithSeed makes the augmentor deterministic, for tests.
// It returns the augmentor so calls can be cascaded.
func (a *AffineAugmentor) WithSeed(seed int64) *AffineAugmentor {
	a.rng = rand.New(rand.NewSource(seed))
	return a
}

// draw samples the random transform parameters under the lock: the rng is
// the only mutable state shared between concurrent Process calls.
func (a *AffineAugmentor) draw() (angle, zoom float64, flip bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	angle = a.angleMin + a.rng.Float64()*(a.angleMax-a.angleMin)
	zoom = a.zoomMin + a.rng.Float64()*(a.zoomMax-a.zoomMin)
	flip = a.flipEnabled && a.rng.Intn(2) == 1
	return
}

// Process implements Augmentor.
func (a *AffineAugmentor) Process(img *tensors.Tensor, people []Person, mask *tensors.Tensor) (
	*tensors.Tensor, []Person, *tensors.Tensor, error) {
	angle, zoom, flip := a.draw()

	srcH, srcW := img.Dim(0), img.Dim(1)
	srcImg := tensors.ToImage(img)
	var srcMask image.Image = tensors.GrayToImage(mask)

	if flip {
		srcImg = imaging.FlipH(srcImg)
		srcMask = imaging.FlipH(srcMask)
		people = flipPeople(people, float32(srcW), a.flipPairs)
	}

	// Zoom.
	zw := int(math.Round(float64(srcW) * zoom))
	zh := int(math.Round(float64(srcH) * zoom))
	if zw < 1 {
		zw = 1
	}
	if zh < 1 {
		zh = 1
	}
	zoomedImg := imaging.Resize(srcImg, zw, zh, imaging.Linear)
	zoomedMask := imaging.Resize(srcMask, zw, zh, imaging.NearestNeighbor)

	// Rotation, expanding the canvas as needed.
	rotatedImg := imaging.Rotate(zoomedImg, angle, color.NRGBA{})
	rotatedMask := imaging.Rotate(zoomedMask, angle, color.NRGBA{})
	rw := rotatedImg.Bounds().Dx()
	rh := rotatedImg.Bounds().Dy()

	// Center crop/pad to the target input size.
	canvas := imaging.New(a.width, a.height, color.NRGBA{})
	outImg := imaging.PasteCenter(canvas, rotatedImg)
	maskCanvas := imaging.New(a.width, a.height, color.NRGBA{})
	outMask := imaging.PasteCenter(maskCanvas, rotatedMask)

	// Apply the same transform to the keypoints. imaging.Rotate is
	// counter-clockwise; with the image y axis pointing down, a source
	// vector v maps to (cos·vx + sin·vy, -sin·vx + cos·vy).
	rad := angle * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	czx, czy := float64(zw)/2, float64(zh)/2
	crx, cry := float64(rw)/2, float64(rh)/2
	offX := crx - float64(a.width)/2
	offY := cry - float64(a.height)/2
	outPeople := make([]Person, len(people))
	for pp, person := range people {
		outPerson := make(Person, len(person))
		for kk, kpt := range person {
			if !kpt.Visible {
				outPerson[kk] = kpt
				continue
			}
			vx := float64(kpt.X)*zoom - czx
			vy := float64(kpt.Y)*zoom - czy
			x := cos*vx + sin*vy + crx - offX
			y := -sin*vx + cos*vy + cry - offY
			visible := x >= 0 && x < float64(a.width) && y >= 0 && y < float64(a.height)
			outPerson[kk] = Keypoint{X: float32(x), Y: float32(y), Visible: visible}
		}
		outPeople[pp] = outPerson
	}

	outTensor := tensors.FromImage(outImg)
	outMaskTensor := binarizeMask(outMask)
	return outTensor, outPeople, outMaskTensor, nil
}

func flipPeople(people []Person, width float32, pairs [][2]int) []Person {
	out := make([]Person, len(people))
	for pp, person := range people {
		flipped := make(Person, len(person))
		for kk, kpt := range person {
			if kpt.Visible {
				kpt.X = width - 1 - kpt.X
			}
			flipped[kk] = kpt
		}
		for _, pair := range pairs {
			l, r := pair[0], pair[1]
			if l < len(flipped) && r < len(flipped) {
				flipped[l], flipped[r] = flipped[r], flipped[l]
			}
		}
		out[pp] = flipped
	}
	return out
}

// binarizeMask converts the interpolated mask image back to a hard
// [H, W, 1] 0/1 tensor.
func binarizeMask(img image.Image) *tensors.Tensor {
	t := tensors.GrayFromImage(img)
	data := t.Data()
	for ii, v := range data {
		if v >= 0.5 {
			data[ii] = 1
		} else {
			data[ii] = 0
		}
	}
	return t
}

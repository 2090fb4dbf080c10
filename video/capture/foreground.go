package capture

import (
	"image"

	"gocv.io/x/gocv"
)

// SubtractorOptions configures the MOG2 background model.
type SubtractorOptions struct {
	// History is the number of frames the background model remembers.
	History int
	// Threshold on the squared Mahalanobis distance between a pixel and the
	// model for the pixel to count as foreground.
	Threshold float64
	Shadows   bool
}

func DefaultSubtractorOptions() SubtractorOptions {
	return SubtractorOptions{
		History:   500,
		Threshold: 256,
	}
}

// Foreground turns frames into binary foreground masks with an adaptive
// Gaussian mixture background model followed by a threshold and erosion.
type Foreground struct {
	d gocv.BackgroundSubtractorMOG2

	blur, raw gocv.Mat
	st3       gocv.Mat
}

func NewForeground(o SubtractorOptions) *Foreground {
	return &Foreground{
		d: gocv.NewBackgroundSubtractorMOG2WithParams(o.History, o.Threshold, o.Shadows),

		blur: gocv.NewMat(),
		raw:  gocv.NewMat(),

		// TODO allow reconfiguring structuring element.
		st3: gocv.GetStructuringElement(gocv.MorphCross, image.Point{X: 3, Y: 3}),
	}
}

// Apply updates the background model with input and writes the mask to dst.
func (f *Foreground) Apply(input gocv.Mat, dst *gocv.Mat) {
	gocv.Blur(input, &f.blur, image.Point{X: 5, Y: 5})
	f.d.Apply(f.blur, &f.raw)
	gocv.Threshold(f.raw, dst, 128, 255, gocv.ThresholdBinary)
	gocv.Erode(*dst, dst, f.st3)
}

func (f *Foreground) Close() {
	f.d.Close()
	f.blur.Close()
	f.raw.Close()
	f.st3.Close()
}

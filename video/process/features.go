package process

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"teamcam/cluster"
	"teamcam/video/capture"
	"teamcam/video/frame"
)

// HueBins is the length of the vectors HueHistogram produces, one per OpenCV
// hue value.
const HueBins = 180

// HueHistogram describes a player by the hue distribution of their torso,
// where the jersey is.
type HueHistogram struct {
	// Pixels below this saturation carry no reliable hue and are ignored.
	MinSaturation float64
}

func NewHueHistogram() HueHistogram {
	return HueHistogram{MinSaturation: 40}
}

// torso returns the middle third of a w x h player crop.
func torso(w, h int) image.Rectangle {
	return image.Rect(w/3, h/3, w-w/3, h-h/3)
}

// Compute returns the L1-normalized hue histogram of the player's torso,
// restricted to saturated foreground pixels.
func (hh HueHistogram) Compute(p *frame.Player) (cluster.Vector, error) {
	img, ok := capture.MatOf(p.Image)
	if !ok || img.Empty() {
		return nil, errors.New("player has no image")
	}
	r := torso(img.Cols(), img.Rows())
	if r.Empty() {
		return nil, errors.Errorf("player crop %dx%d too small", img.Cols(), img.Rows())
	}

	region := img.Region(r)
	defer region.Close()

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(region, &hsv, gocv.ColorBGRToHSV)

	channels := gocv.Split(hsv)
	defer func() {
		for _, c := range channels {
			c.Close()
		}
	}()

	sel := gocv.NewMat()
	defer sel.Close()
	gocv.Threshold(channels[1], &sel, float32(hh.MinSaturation), 255, gocv.ThresholdBinary)

	if mask, ok := capture.MatOf(p.Mask); ok && !mask.Empty() {
		mregion := mask.Region(r)
		gocv.BitwiseAnd(sel, mregion, &sel)
		mregion.Close()
	}
	if gocv.CountNonZero(sel) == 0 {
		return nil, errors.New("no saturated torso pixels")
	}

	hist := gocv.NewMat()
	defer hist.Close()
	gocv.CalcHist([]gocv.Mat{channels[0]}, []int{0}, sel, &hist, []int{HueBins}, []float64{0, HueBins}, false)

	v := make(cluster.Vector, HueBins)
	for i := range v {
		v[i] = float64(hist.GetFloatAt(i, 0))
	}
	return normalize(v), nil
}

// normalize scales v in place so that its entries sum to one.
func normalize(v cluster.Vector) cluster.Vector {
	sum := 0.0
	for _, x := range v {
		sum += x
	}
	if sum == 0 {
		return v
	}
	for i := range v {
		v[i] /= sum
	}
	return v
}

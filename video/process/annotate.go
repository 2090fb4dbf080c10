package process

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"teamcam/video/capture"
	"teamcam/video/frame"
)

var (
	colorText       = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorBG         = color.RGBA{R: 0, G: 0, B: 0, A: 255}
	colorUnassigned = color.RGBA{R: 128, G: 128, B: 128, A: 255}

	teamColors = []color.RGBA{
		{R: 255, G: 128, B: 0, A: 255},
		{R: 0, G: 160, B: 255, A: 255},
		{R: 0, G: 200, B: 0, A: 255},
		{R: 200, G: 0, B: 200, A: 255},
	}
)

// Display controls how frames are annotated.
type Display struct {
	// Labels names the teams by index. Missing names fall back to "team N".
	Labels    []string
	Thickness int
}

func (d Display) label(team int) string {
	if team == frame.Unassigned {
		return "?"
	}
	if team < len(d.Labels) && d.Labels[team] != "" {
		return d.Labels[team]
	}
	return fmt.Sprintf("team %d", team)
}

func teamColor(team int) color.RGBA {
	if team < 0 {
		return colorUnassigned
	}
	return teamColors[team%len(teamColors)]
}

// Annotator draws team-colored player boxes and a camera banner onto frames.
// The display settings may be changed while frames are being annotated.
type Annotator struct {
	l sync.RWMutex
	d Display
}

func NewAnnotator(d Display) *Annotator {
	return &Annotator{d: d}
}

func (a *Annotator) SetDisplay(d Display) {
	a.l.Lock()
	defer a.l.Unlock()
	a.d = d
}

func (a *Annotator) display() Display {
	a.l.RLock()
	defer a.l.RUnlock()
	return a.d
}

func (a *Annotator) Annotate(f *frame.Frame) error {
	img, ok := capture.MatOf(f.Image)
	if !ok || img.Empty() {
		return errors.Errorf("camera %d frame %d: no image", f.Camera, f.Index)
	}
	d := a.display()
	thickness := d.Thickness
	if thickness <= 0 {
		thickness = 2
	}

	for _, p := range f.Players {
		c := teamColor(p.Team)
		gocv.Rectangle(img, p.Bounds, c, thickness)

		text := d.label(p.Team)
		sz := gocv.GetTextSize(text, gocv.FontHersheyPlain, 1, 1)
		bg := image.Rect(p.Bounds.Min.X, p.Bounds.Min.Y-sz.Y-4, p.Bounds.Min.X+sz.X+4, p.Bounds.Min.Y)
		gocv.Rectangle(img, bg, c, -1)
		gocv.PutText(img, text, image.Point{X: bg.Min.X + 2, Y: bg.Max.Y - 2}, gocv.FontHersheyPlain, 1, colorText, 1)
	}

	drawBanner(img, fmt.Sprintf("camera %d - frame %d - %d players", f.Camera, f.Index, len(f.Players)))
	return nil
}

// drawBanner writes text on a black strip at the top left of img.
func drawBanner(img *gocv.Mat, text string) {
	font := gocv.FontHersheySimplex
	scale := 0.5
	thickness := 1

	sz := gocv.GetTextSize(text, font, scale, thickness)

	pad := 2

	gocv.Rectangle(img, image.Rectangle{Min: image.Point{X: 0, Y: 0}, Max: image.Point{X: sz.X + pad*2, Y: sz.Y + pad*2}}, colorBG, -1)

	gocv.PutText(img, text, image.Point{X: pad, Y: sz.Y + pad}, font, scale, colorText, thickness)
}

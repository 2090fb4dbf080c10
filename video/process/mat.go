package process

import (
	"image"

	"gocv.io/x/gocv"

	"teamcam/video/frame"
)

// cropPlayer copies the region r of the frame buffers into a new Player. The
// crops are owned by the player.
func cropPlayer(img, mask *gocv.Mat, r image.Rectangle) *frame.Player {
	r = r.Intersect(image.Rect(0, 0, img.Cols(), img.Rows()))
	if r.Empty() {
		return nil
	}
	p := &frame.Player{
		Bounds: r,
		Team:   frame.Unassigned,
		Image:  cloneRegion(*img, r),
	}
	if mask != nil && !mask.Empty() {
		p.Mask = cloneRegion(*mask, r)
	}
	return p
}

func cloneRegion(m gocv.Mat, r image.Rectangle) *gocv.Mat {
	region := m.Region(r)
	defer region.Close()
	c := region.Clone()
	return &c
}

func byPosition(players []*frame.Player) func(i, j int) bool {
	return func(i, j int) bool {
		a, b := players[i].Bounds.Min, players[j].Bounds.Min
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	}
}

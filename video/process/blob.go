package process

import (
	"sort"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"teamcam/video/capture"
	"teamcam/video/frame"
)

// BlobExtractor treats every sufficiently large connected region of the
// foreground mask as a player.
type BlobExtractor struct {
	// MinArea in pixels of a region to count as a player.
	MinArea float64
}

func NewBlobExtractor(minArea float64) *BlobExtractor {
	return &BlobExtractor{MinArea: minArea}
}

func (b *BlobExtractor) Extract(f *frame.Frame) ([]*frame.Player, error) {
	img, ok := capture.MatOf(f.Image)
	if !ok || img.Empty() {
		return nil, errors.Errorf("camera %d frame %d: no image", f.Camera, f.Index)
	}
	mask, ok := capture.MatOf(f.Mask)
	if !ok || mask.Empty() {
		return nil, errors.Errorf("camera %d frame %d: no foreground mask", f.Camera, f.Index)
	}

	contours := gocv.FindContours(*mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var players []*frame.Player
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		if gocv.ContourArea(c) < b.MinArea {
			continue
		}
		if p := cropPlayer(img, mask, gocv.BoundingRect(c)); p != nil {
			players = append(players, p)
		}
	}
	sort.Slice(players, byPosition(players))
	return players, nil
}

func (b *BlobExtractor) Close() {}

package process

import (
	"image"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"teamcam/pipeline"
	"teamcam/video/capture"
	"teamcam/video/frame"
)

// MobileNet SSD class of people.
const mobileNetPerson = 15

// DetectorOptions tunes player extraction.
type DetectorOptions struct {
	// Confidence below which network detections are ignored.
	Confidence float32
	// MinArea in pixels of a player region.
	MinArea float64
	// MinCoverage is the fraction of a detection that must be foreground.
	// Filters out spectators and benched players standing still.
	MinCoverage float64
}

func DefaultDetectorOptions() DetectorOptions {
	return DetectorOptions{
		Confidence:  0.5,
		MinArea:     400,
		MinCoverage: 0.1,
	}
}

// Extractors returns a factory building a NetExtractor for a model path, or a
// BlobExtractor when the path is empty.
func Extractors(o DetectorOptions) pipeline.ExtractorFactory {
	return func(modelPath string) (pipeline.PlayerExtractor, error) {
		if modelPath == "" {
			return NewBlobExtractor(o.MinArea), nil
		}
		return NewNetExtractor(modelPath, o)
	}
}

// NetExtractor finds players with a MobileNet SSD person detector and keeps
// the detections that are moving.
type NetExtractor struct {
	net  gocv.Net
	opts DetectorOptions

	// Resized 300x300 image for detection.
	small gocv.Mat
}

// NewNetExtractor loads a Caffe model. The network description is expected
// next to it with a .prototxt extension.
func NewNetExtractor(modelPath string, o DetectorOptions) (*NetExtractor, error) {
	prototxt := strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".prototxt"
	net := gocv.ReadNetFromCaffe(prototxt, modelPath)
	if net.Empty() {
		net.Close()
		return nil, errors.Errorf("failed to read caffe model %v (%v)", modelPath, prototxt)
	}
	log.Infof("Loaded player detector %v", modelPath)
	return &NetExtractor{
		net:   net,
		opts:  o,
		small: gocv.NewMat(),
	}, nil
}

func (d *NetExtractor) Extract(f *frame.Frame) ([]*frame.Player, error) {
	img, ok := capture.MatOf(f.Image)
	if !ok || img.Empty() {
		return nil, errors.Errorf("camera %d frame %d: no image", f.Camera, f.Index)
	}
	mask, _ := capture.MatOf(f.Mask)

	start := time.Now()
	defer func() {
		log.Debugf("Detector ran in %v", time.Since(start))
	}()

	scale := image.Point{X: 300, Y: 300}
	gocv.Resize(*img, &d.small, scale, 0, 0, gocv.InterpolationLinear)

	blob := gocv.BlobFromImage(d.small, 0.007843, scale, gocv.NewScalar(127.5, 127.5, 127.5, 0), false, false)
	defer blob.Close()

	d.net.SetInput(blob, "data")

	detBlob := d.net.Forward("detection_out")
	defer detBlob.Close()

	detections := gocv.GetBlobChannel(detBlob, 0, 0)
	defer detections.Close()

	var players []*frame.Player
	for r := 0; r < detections.Rows(); r++ {
		if int(detections.GetFloatAt(r, 1)) != mobileNetPerson {
			continue
		}
		confidence := detections.GetFloatAt(r, 2)
		if confidence < d.opts.Confidence {
			continue
		}

		box := image.Rect(
			int(detections.GetFloatAt(r, 3)*float32(img.Cols())),
			int(detections.GetFloatAt(r, 4)*float32(img.Rows())),
			int(detections.GetFloatAt(r, 5)*float32(img.Cols())),
			int(detections.GetFloatAt(r, 6)*float32(img.Rows())),
		).Intersect(image.Rect(0, 0, img.Cols(), img.Rows()))
		if area := box.Dx() * box.Dy(); float64(area) < d.opts.MinArea || area == 0 {
			continue
		}
		if cov := coverage(mask, box); cov < d.opts.MinCoverage {
			log.Debugf("Ignoring still person at %v, coverage %.2f", box, cov)
			continue
		}

		log.Debugf("Player at %v, confidence %.2f", box, confidence)
		if p := cropPlayer(img, mask, box); p != nil {
			players = append(players, p)
		}
	}
	sort.Slice(players, byPosition(players))
	return players, nil
}

// coverage returns the foreground fraction of r. Without a mask everything is
// foreground.
func coverage(mask *gocv.Mat, r image.Rectangle) float64 {
	if mask == nil || mask.Empty() {
		return 1
	}
	region := mask.Region(r)
	defer region.Close()
	return float64(gocv.CountNonZero(region)) / float64(r.Dx()*r.Dy())
}

func (d *NetExtractor) Close() {
	d.net.Close()
	d.small.Close()
}

package capture

import (
	"io"
	"strings"
	"time"

	"github.com/pillash/mp4util"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"teamcam/video/frame"
	"teamcam/video/source"
)

// Skips up to this many frames are grabbed rather than seeked; seeking in
// compressed video lands on keyframes and is slower for short hops.
const maxGrab = 30

// Options for opening camera videos.
type Options struct {
	Subtractor SubtractorOptions
	// PoolSize caps live frame buffers per camera. Zero disables the cap.
	PoolSize int
}

// VideoCapture reads one camera's video file and attaches a foreground mask to
// every frame.
type VideoCapture struct {
	URI    string
	Camera int

	cap   *gocv.VideoCapture
	fg    *Foreground
	pool  *MatPool
	total int
	next  int
}

// Opener returns a source.Opener producing VideoCaptures.
func Opener(o Options) source.Opener {
	return func(root string, camera int) (source.Source, error) {
		return NewVideoCapture(source.Path(root, camera), camera, o)
	}
}

func NewVideoCapture(uri string, camera int, o Options) (*VideoCapture, error) {
	cap, err := gocv.VideoCaptureFile(uri)
	if err != nil {
		return nil, errors.Wrapf(source.ErrSourceUnavailable, "%v: %v", uri, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, errors.Wrapf(source.ErrSourceUnavailable, "%v: not opened", uri)
	}

	v := &VideoCapture{
		URI:    uri,
		Camera: camera,
		cap:    cap,
		fg:     NewForeground(o.Subtractor),
		pool:   NewMatPool(o.PoolSize),
		total:  int(cap.Get(gocv.VideoCaptureFrameCount)),
	}

	clog := log.WithField("camera", camera)
	if strings.HasSuffix(uri, ".mp4") {
		if secs, err := mp4util.Duration(uri); err != nil {
			clog.Warnf("Unable to read duration of %v: %v", uri, err)
		} else {
			clog.Infof("Opened %v: %d frames, %v", uri, v.total, time.Duration(secs)*time.Second)
		}
	} else {
		clog.Infof("Opened %v: %d frames", uri, v.total)
	}
	return v, nil
}

func (v *VideoCapture) TotalFrameCount() int {
	return v.total
}

// position moves the capture so that the next Read returns frame index.
func (v *VideoCapture) position(index int) {
	switch skip := index - v.next; {
	case skip == 0:
	case skip > 0 && skip <= maxGrab:
		v.cap.Grab(skip)
	default:
		v.cap.Set(gocv.VideoCapturePosFrames, float64(index))
	}
	v.next = index
}

func (v *VideoCapture) ReadAt(index int) (*frame.Frame, error) {
	if v.total > 0 && index >= v.total {
		return nil, io.EOF
	}
	v.position(index)

	img := v.pool.NewMat()
	ok := v.cap.Read(&img.Mat)
	v.next = index + 1
	if !ok || img.Empty() {
		img.Close()
		if v.total <= 0 {
			return nil, io.EOF
		}
		return nil, errors.Wrapf(source.ErrDecodeFailure, "camera %d frame %d", v.Camera, index)
	}

	mask := v.pool.NewMat()
	v.fg.Apply(img.Mat, &mask.Mat)

	return &frame.Frame{
		Camera: v.Camera,
		Index:  index,
		Time:   time.Now(),
		Image:  img,
		Mask:   mask,
	}, nil
}

func (v *VideoCapture) Close() {
	v.cap.Close()
	v.fg.Close()
	v.pool.Close()
}

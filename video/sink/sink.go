package sink

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"teamcam/video/capture"
	"teamcam/video/frame"
)

// Sink defines a destination for annotated frames, such as a directory,
// a video file or a monitor.
type Sink interface {
	// Put consumes a frame. The caller keeps ownership of the frame and the sink
	// must not hold references to its buffers after returning.
	Put(f *frame.Frame)

	// Close should be called to finalize the Sink.
	Close()
}

// Multi fans every frame out to a list of sinks.
type Multi []Sink

func (m Multi) Put(f *frame.Frame) {
	for _, s := range m {
		s.Put(f)
	}
}

func (m Multi) Close() {
	for _, s := range m {
		s.Close()
	}
}

// frameMat returns the gocv.Mat of the frame image.
func frameMat(f *frame.Frame) (*gocv.Mat, error) {
	if m, ok := capture.MatOf(f.Image); ok {
		return m, nil
	}
	return nil, errors.Errorf("camera %d frame %d: unsupported image buffer %T", f.Camera, f.Index, f.Image)
}

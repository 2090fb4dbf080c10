package source

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"teamcam/video/frame"
)

var (
	// ErrSourceUnavailable is returned when a video cannot be opened.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrDecodeFailure is returned by ReadAt for a single frame that could not
	// be decoded. Later frames may still be readable.
	ErrDecodeFailure = errors.New("frame decode failure")
)

// Source defines a seekable stream of frames from one camera, each carrying a
// foreground mask.
type Source interface {
	// ReadAt returns the frame at index. It returns io.EOF past the end of the
	// stream and ErrDecodeFailure when only this frame is unreadable. The caller
	// owns the returned frame.
	ReadAt(index int) (*frame.Frame, error)

	// TotalFrameCount returns the number of frames in the stream, or a
	// non-positive value if unknown.
	TotalFrameCount() int

	// Close releases the underlying video and any pooled buffers.
	Close()
}

// Opener opens the video of a camera below root.
type Opener func(root string, camera int) (Source, error)

// Path returns the video file of a camera: one file per camera named
// ace_<camera>.mp4.
func Path(root string, camera int) string {
	return filepath.Join(root, fmt.Sprintf("ace_%d.mp4", camera))
}

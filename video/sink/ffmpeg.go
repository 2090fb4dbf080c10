package sink

import (
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"teamcam/video"
	"teamcam/video/frame"
)

type FFmpegOptions struct {
	// Binary is the ffmpeg executable. Empty searches $PATH.
	Binary string
	FPS    int
	Preset string
	CRF    int
}

// LocateFFmpeg resolves the ffmpeg binary to run.
func LocateFFmpeg(binary string) (string, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	p, err := exec.LookPath(binary)
	if err != nil {
		return "", errors.Wrap(err, "ffmpeg not found")
	}
	return p, nil
}

// ffmpegArgs returns the command line encoding raw bgr24 frames of the given
// size from stdin into path.
func ffmpegArgs(o FFmpegOptions, width, height int, path string) []string {
	return []string{
		"-y",
		"-loglevel", "error",
		// Read from the opencv pipe.
		"-f", "rawvideo",
		"-pixel_format", "bgr24",
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-framerate", fmt.Sprintf("%d", o.FPS),
		"-i", "-",
		"-c:v", "libx264",
		"-preset", o.Preset,
		"-crf", fmt.Sprintf("%d", o.CRF),
		"-pix_fmt", "yuv420p",
		// Fast-start so videos play in the browser before the full download.
		"-movflags", "+faststart",
		path,
	}
}

// FFmpegSink encodes a single stream of equally sized frames.
type FFmpegSink struct {
	Path string

	width, height int
	b             chan []byte
	close         chan chan error
}

func NewFFmpegSink(o FFmpegOptions, path string, width, height int) (*FFmpegSink, error) {
	bin, err := LocateFFmpeg(o.Binary)
	if err != nil {
		return nil, err
	}
	c := exec.Command(bin, ffmpegArgs(o, width, height, path)...)
	logw := log.WithField("ffmpeg", path).WriterLevel(log.WarnLevel)
	c.Stdout = logw
	c.Stderr = logw

	pipe, err := c.StdinPipe()
	if err != nil {
		logw.Close()
		return nil, errors.Wrap(err, "ffmpeg stdin")
	}
	if err := c.Start(); err != nil {
		logw.Close()
		return nil, errors.Wrap(err, "starting ffmpeg")
	}

	f := &FFmpegSink{
		Path:   path,
		width:  width,
		height: height,
		b:      make(chan []byte),
		close:  make(chan chan error),
	}
	go f.run(c, pipe, logw)
	return f, nil
}

func (f *FFmpegSink) run(c *exec.Cmd, pipe io.WriteCloser, logw io.Closer) {
	defer logw.Close()

	var werr error
	var closer chan error
loop:
	for {
		select {
		case closer = <-f.close:
			break loop
		case b := <-f.b:
			if werr != nil {
				continue
			}
			if _, err := pipe.Write(b); err != nil {
				// Keep consuming so writers don't block on a dead encoder.
				werr = errors.Wrapf(err, "writing to ffmpeg for %v", f.Path)
				log.Error(werr)
			}
		}
	}

	pipe.Close()
	log.Debugf("Waiting for ffmpeg shutdown of %v", f.Path)
	err := c.Wait()
	if werr != nil {
		err = werr
	}
	closer <- err
}

// Write queues one raw bgr24 frame.
func (f *FFmpegSink) Write(mat gocv.Mat) error {
	if mat.Cols() != f.width || mat.Rows() != f.height {
		return errors.Errorf("frame size %dx%d does not match video size %dx%d", mat.Cols(), mat.Rows(), f.width, f.height)
	}
	f.b <- mat.ToBytes()
	return nil
}

// Close finishes the video and returns the encoder's exit status.
func (f *FFmpegSink) Close() error {
	c := make(chan error)
	f.close <- c
	return <-c
}

// Export writes the frames of every camera into the camera's video file,
// starting an encoder the first time a camera is seen.
type Export struct {
	FS   *video.Filesystem
	Opts FFmpegOptions

	sinks  map[int]*FFmpegSink
	failed map[int]bool
	l      sync.Mutex
}

func NewExport(fs *video.Filesystem, o FFmpegOptions) *Export {
	return &Export{
		FS:     fs,
		Opts:   o,
		sinks:  make(map[int]*FFmpegSink),
		failed: make(map[int]bool),
	}
}

func (e *Export) sink(camera int, width, height int) *FFmpegSink {
	e.l.Lock()
	defer e.l.Unlock()
	if s, ok := e.sinks[camera]; ok {
		return s
	}
	if e.failed[camera] {
		return nil
	}
	path := e.FS.VideoPath(camera)
	s, err := NewFFmpegSink(e.Opts, path, width, height)
	if err != nil {
		log.Errorf("Not exporting camera %d: %v", camera, err)
		e.failed[camera] = true
		return nil
	}
	log.Infof("Exporting camera %d to %v", camera, path)
	e.sinks[camera] = s
	return s
}

func (e *Export) Put(f *frame.Frame) {
	img, err := frameMat(f)
	if err != nil {
		log.Errorf("Not exporting frame: %v", err)
		return
	}
	s := e.sink(f.Camera, img.Cols(), img.Rows())
	if s == nil {
		return
	}
	if err := s.Write(*img); err != nil {
		log.Warnf("Camera %d frame %d: %v", f.Camera, f.Index, err)
	}
}

func (e *Export) Close() {
	e.l.Lock()
	defer e.l.Unlock()
	for camera, s := range e.sinks {
		if err := s.Close(); err != nil {
			log.Errorf("Export of camera %d failed: %v", camera, err)
			continue
		}
		if v, err := e.FS.Video(camera); err == nil {
			log.Infof("Exported camera %d: %v (%v)", camera, v.Path, v.Duration)
		}
	}
	e.sinks = make(map[int]*FFmpegSink)
}

package sink

import (
	"image"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"teamcam/video"
	"teamcam/video/frame"
)

// JPEG saves every frame as <dir>/camera<C>/frame<N>.jpg.
type JPEG struct {
	FS *video.Filesystem
	// Size, if set, scales frames before encoding.
	Size image.Point

	// OnWrite is called after each saved frame.
	OnWrite func(r *video.FrameRecord)

	small gocv.Mat
}

func NewJPEG(fs *video.Filesystem) *JPEG {
	return &JPEG{
		FS:    fs,
		small: gocv.NewMat(),
	}
}

func (j *JPEG) Put(f *frame.Frame) {
	img, err := frameMat(f)
	if err != nil {
		log.Errorf("Not saving frame: %v", err)
		return
	}
	src := *img
	if j.Size != (image.Point{}) {
		gocv.Resize(*img, &j.small, j.Size, 0, 0, gocv.InterpolationCubic)
		src = j.small
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, src)
	if err != nil {
		log.Errorf("Error encoding camera %d frame %d: %v", f.Camera, f.Index, err)
		return
	}
	defer buf.Close()

	r, err := j.FS.WriteFrame(f.Camera, f.Index, buf.GetBytes())
	if err != nil {
		log.Errorf("Failed to save camera %d frame %d: %v", f.Camera, f.Index, err)
		return
	}
	log.Debugf("Frame written to %v", r.Path)
	if j.OnWrite != nil {
		j.OnWrite(r)
	}
}

func (j *JPEG) Close() {
	j.small.Close()
}

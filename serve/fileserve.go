package serve

import (
	"io"
	"net/http"
	"os"

	"github.com/pkg/errors"

	"teamcam/video"
)

// FileServer serves saved frames by record id, or exported videos by camera.
type FileServer struct {
	FS          *video.Filesystem
	PathFunc    func(r *http.Request) (string, error)
	ContentType string
}

func NewFrameServer(fs *video.Filesystem) *FileServer {
	return &FileServer{
		FS: fs,
		PathFunc: func(r *http.Request) (string, error) {
			id := r.Form.Get("id")
			fr := fs.GetRecordByID(id)
			if fr == nil {
				return "", errors.Errorf("no record found for id %v", id)
			}
			return fr.Path, nil
		},
		ContentType: "image/jpeg",
	}
}

func NewVideoServer(fs *video.Filesystem) *FileServer {
	return &FileServer{
		FS: fs,
		PathFunc: func(r *http.Request) (string, error) {
			camera, err := intParam(r, "camera", -1)
			if err != nil || camera < 0 {
				return "", errors.Errorf("invalid camera %q", r.Form.Get("camera"))
			}
			v, err := fs.Video(camera)
			if err != nil {
				return "", errors.Errorf("no video for camera %d", camera)
			}
			return v.Path, nil
		},
		ContentType: "video/mp4",
	}
}

func (s *FileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	path, err := s.PathFunc(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Add("Content-Type", s.ContentType)
	io.Copy(w, f)
}

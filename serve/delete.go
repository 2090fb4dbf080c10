package serve

import (
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"teamcam/video"
)

type DeleteServer struct {
	FS *video.Filesystem
	// Updated is called after a frame was removed.
	Updated func()
}

func (s *DeleteServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := r.Form.Get("id")
	if s.FS.GetRecordByID(id) == nil {
		http.Error(w, fmt.Sprintf("No record found for id %v", id), http.StatusNotFound)
		return
	}

	if err := s.FS.Delete(id); err != nil {
		log.Errorf("Failed to delete %v: %v", id, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.Updated != nil {
		s.Updated()
	}
}

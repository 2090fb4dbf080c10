package serve

import (
	"bytes"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"teamcam/cluster"
)

// CentersServer serves the trained cluster centers in the centers file format.
type CentersServer struct {
	Comparator *cluster.Comparator
}

func (s *CentersServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var b bytes.Buffer
	if err := s.Comparator.Serialize(&b); err != nil {
		if errors.Is(err, cluster.ErrPhase) {
			http.Error(w, "Centers are not trained yet", http.StatusConflict)
			return
		}
		log.Errorf("Failed to serialize centers: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="centers.bin"`)
	w.Write(b.Bytes())
}

package serve

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"teamcam/store"
)

// RunStore reads persisted runs. *store.DB implements it.
type RunStore interface {
	Runs(limit int) ([]*store.Run, error)
	RunAssignments(runID string, camera int) ([]*store.Assignment, error)
}

// RunServer lists past runs, or the team assignments of one run when the
// "run" parameter is given.
type RunServer struct {
	Store RunStore
}

func (s *RunServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp interface{}
	if id := r.Form.Get("run"); id != "" {
		camera, err := intParam(r, "camera", -1)
		if err != nil {
			http.Error(w, "invalid camera", http.StatusBadRequest)
			return
		}
		as, err := s.Store.RunAssignments(id, camera)
		if err != nil {
			log.Errorf("Failed to query assignments of run %v: %v", id, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp = as
	} else {
		limit, err := intParam(r, "limit", 20)
		if err != nil || limit < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		runs, err := s.Store.Runs(limit)
		if err != nil {
			log.Errorf("Failed to query runs: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp = runs
	}

	js, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}

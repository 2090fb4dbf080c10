package serve

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"teamcam/cluster"
	"teamcam/pipeline"
	"teamcam/store"
	"teamcam/video"
)

// Progress reports the totals of a running pass. *pipeline.Coordinator
// implements it.
type Progress interface {
	Stats() pipeline.Stats
}

type MetaEntry struct {
	ID        string
	Camera    int
	Index     int
	Timestamp int64
	Size      int64
}

type VideoEntry struct {
	Camera      int
	Size        int64
	DurationSec int
}

type RunEntry struct {
	ID       string
	Mode     string
	Started  int64
	Finished int64  `json:",omitempty"`
	Error    string `json:",omitempty"`

	Done    bool
	Frames  map[int]int
	Skipped int
	Players int
	Labeled int
}

type MetaResponse struct {
	Phase    string
	PoolSize int
	Teams    int

	Run *RunEntry `json:",omitempty"`

	Items          []*MetaEntry
	ItemsTotalSize int64
	ItemsCount     int

	Videos []*VideoEntry
}

func toMetaEntry(r *video.FrameRecord) *MetaEntry {
	return &MetaEntry{
		ID:        r.Identifier,
		Camera:    r.Camera,
		Index:     r.Index,
		Timestamp: r.ModTime.Unix(),
		Size:      r.Size,
	}
}

// MetaServer reports the state of the clustering engine, the current run and
// the saved frames.
type MetaServer struct {
	Comparator *cluster.Comparator
	// FS is optional.
	FS *video.Filesystem

	l        sync.Mutex
	run      *store.Run
	progress Progress
}

// SetRun publishes the run in progress. p may be nil between passes.
func (s *MetaServer) SetRun(r *store.Run, p Progress) {
	s.l.Lock()
	defer s.l.Unlock()
	s.run = r
	s.progress = p
}

func (s *MetaServer) runEntry() *RunEntry {
	s.l.Lock()
	r, p := s.run, s.progress
	s.l.Unlock()
	if r == nil {
		return nil
	}
	e := &RunEntry{
		ID:      r.ID,
		Mode:    r.Mode,
		Started: r.StartedAt.Unix(),
		Error:   r.Error,
		Frames:  map[int]int{},
		Players: r.Players,
		Labeled: r.Labeled,
	}
	if r.FinishedAt != nil {
		e.Finished = r.FinishedAt.Unix()
		e.Done = true
	}
	if p != nil {
		st := p.Stats()
		e.Done = e.Done || st.Done
		e.Frames = st.Frames
		e.Skipped = st.Skipped
		e.Players = st.Players
		e.Labeled = st.Labeled
	}
	return e
}

func (s *MetaServer) BuildResponse(filter *video.RecordsFilter) *MetaResponse {
	resp := &MetaResponse{
		Phase:    s.Comparator.Phase().String(),
		PoolSize: s.Comparator.PoolSize(),
		Teams:    s.Comparator.K(),
		Run:      s.runEntry(),
	}
	if s.FS == nil {
		return resp
	}

	records := s.FS.GetRecords(filter)
	for _, r := range records {
		resp.Items = append(resp.Items, toMetaEntry(r))
		resp.ItemsTotalSize += r.Size
	}
	resp.ItemsCount = len(records)

	for _, v := range s.FS.Videos() {
		resp.Videos = append(resp.Videos, &VideoEntry{
			Camera:      v.Camera,
			Size:        v.Size,
			DurationSec: int(v.Duration.Seconds()),
		})
	}
	return resp
}

// intParam parses an optional integer form value.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.Form.Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (s *MetaServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	camera, err := intParam(r, "camera", -1)
	if err != nil {
		http.Error(w, "invalid camera", http.StatusBadRequest)
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil || limit < 0 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}

	js, err := json.Marshal(s.BuildResponse(&video.RecordsFilter{Camera: camera, Limit: limit}))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}

package serve

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"teamcam/cluster"
	"teamcam/pipeline"
	"teamcam/store"
	"teamcam/video"
)

func testComparator(t *testing.T) *cluster.Comparator {
	o := cluster.DefaultOptions()
	o.K, o.Dims = 2, 2
	c, err := cluster.New(o)
	if err != nil {
		t.Fatalf("cluster.New() failed: %v", err)
	}
	return c
}

func testFilesystem(t *testing.T) *video.Filesystem {
	fs, err := video.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem() failed: %v", err)
	}
	for _, w := range []struct{ camera, index int }{{0, 0}, {1, 0}, {1, 5}} {
		if _, err := fs.WriteFrame(w.camera, w.index, []byte("jpeg")); err != nil {
			t.Fatalf("WriteFrame() failed: %v", err)
		}
	}
	return fs
}

type fixedProgress pipeline.Stats

func (p fixedProgress) Stats() pipeline.Stats { return pipeline.Stats(p) }

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", target, nil))
	return w
}

func TestMetaServer(t *testing.T) {
	cmp := testComparator(t)
	for _, v := range []cluster.Vector{{0, 1}, {1, 0}, {0, 1}} {
		if err := cmp.Accumulate(v); err != nil {
			t.Fatal(err)
		}
	}
	s := &MetaServer{Comparator: cmp, FS: testFilesystem(t)}
	run := store.NewRun("train")
	s.SetRun(run, fixedProgress{Started: true, Frames: map[int]int{0: 4, 1: 3}, Skipped: 1, Players: 12})

	w := get(t, s, "/status?camera=1")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d: %s", w.Code, w.Body)
	}
	var resp MetaResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response %q: %v", w.Body, err)
	}
	if resp.Phase != "accumulating" || resp.PoolSize != 3 || resp.Teams != 2 {
		t.Errorf("engine state = %q, pool %d, teams %d", resp.Phase, resp.PoolSize, resp.Teams)
	}
	if resp.ItemsCount != 2 || resp.Items[0].ID != "1-0" || resp.Items[1].ID != "1-5" || resp.ItemsTotalSize != 8 {
		t.Errorf("items = %d %+v", resp.ItemsCount, resp.Items)
	}
	if r := resp.Run; r == nil || r.ID != run.ID || r.Mode != "train" || r.Frames[0] != 4 || r.Skipped != 1 || r.Players != 12 || r.Done {
		t.Errorf("run = %+v", resp.Run)
	}

	s.SetRun(nil, nil)
	w = get(t, s, "/status?limit=1")
	resp = MetaResponse{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Run != nil || resp.ItemsCount != 1 {
		t.Errorf("after run: run = %+v, items = %d", resp.Run, resp.ItemsCount)
	}

	for _, target := range []string{"/status?camera=x", "/status?limit=-1"} {
		if w := get(t, s, target); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s = %d, want %d", target, w.Code, http.StatusBadRequest)
		}
	}
}

func TestCentersServer(t *testing.T) {
	cmp := testComparator(t)
	s := &CentersServer{Comparator: cmp}
	if w := get(t, s, "/centers"); w.Code != http.StatusConflict {
		t.Errorf("before training: status code = %d, want %d", w.Code, http.StatusConflict)
	}

	for _, v := range []cluster.Vector{{0, 0}, {0, 1}, {10, 10}, {10, 11}} {
		cmp.Accumulate(v)
	}
	if err := cmp.Train(); err != nil {
		t.Fatalf("Train() failed: %v", err)
	}
	w := get(t, s, "/centers")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d: %s", w.Code, w.Body)
	}
	if n := w.Body.Len(); n != 2*2*8 {
		t.Errorf("body is %d bytes, want %d", n, 2*2*8)
	}

	loaded := testComparator(t)
	if err := loaded.Deserialize(w.Body); err != nil {
		t.Fatalf("Deserialize() of served centers failed: %v", err)
	}
}

func TestFileServer(t *testing.T) {
	fs := testFilesystem(t)
	s := NewFrameServer(fs)

	w := get(t, s, "/frame?id=1-5")
	if w.Code != http.StatusOK || w.Body.String() != "jpeg" {
		t.Errorf("GET existing frame = %d %q", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w := get(t, s, "/frame?id=7-7"); w.Code != http.StatusNotFound {
		t.Errorf("GET missing frame = %d, want %d", w.Code, http.StatusNotFound)
	}

	os.WriteFile(fs.VideoPath(1), []byte("mp4"), 0644)
	vs := NewVideoServer(fs)
	if w := get(t, vs, "/video?camera=1"); w.Code != http.StatusOK || w.Body.String() != "mp4" {
		t.Errorf("GET video = %d %q", w.Code, w.Body)
	}
	for _, target := range []string{"/video?camera=0", "/video", "/video?camera=-1"} {
		if w := get(t, vs, target); w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want %d", target, w.Code, http.StatusNotFound)
		}
	}
}

func TestDeleteServer(t *testing.T) {
	fs := testFilesystem(t)
	updated := 0
	s := &DeleteServer{FS: fs, Updated: func() { updated++ }}

	if w := get(t, s, "/delete?id=0-0"); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}

	post := func(id string) int {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/delete", strings.NewReader(url.Values{"id": {id}}.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		s.ServeHTTP(w, r)
		return w.Code
	}
	if code := post("0-0"); code != http.StatusOK {
		t.Errorf("POST = %d, want %d", code, http.StatusOK)
	}
	if fs.GetRecordByID("0-0") != nil || updated != 1 {
		t.Errorf("frame not deleted, %d updates", updated)
	}
	if code := post("0-0"); code != http.StatusNotFound {
		t.Errorf("second POST = %d, want %d", code, http.StatusNotFound)
	}
}

type fakeRuns struct {
	runs  []*store.Run
	as    []*store.Assignment
	err   error
	query []interface{}
}

func (f *fakeRuns) Runs(limit int) ([]*store.Run, error) {
	f.query = append(f.query, limit)
	return f.runs, f.err
}

func (f *fakeRuns) RunAssignments(runID string, camera int) ([]*store.Assignment, error) {
	f.query = append(f.query, runID, camera)
	return f.as, f.err
}

func TestRunServer(t *testing.T) {
	runs := &fakeRuns{
		runs: []*store.Run{store.NewRun("classify")},
		as:   []*store.Assignment{{RunID: "r", Camera: 2, FrameIndex: 7, Team: 1}},
	}
	s := &RunServer{Store: runs}

	w := get(t, s, "/runs")
	var got []*store.Run
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil || len(got) != 1 || got[0].Mode != "classify" {
		t.Errorf("GET /runs = %q, %v", w.Body, err)
	}

	w = get(t, s, "/runs?run=r&camera=2")
	var as []*store.Assignment
	if err := json.Unmarshal(w.Body.Bytes(), &as); err != nil || len(as) != 1 || as[0].Team != 1 {
		t.Errorf("GET assignments = %q, %v", w.Body, err)
	}
	if len(runs.query) != 3 || runs.query[0] != 20 || runs.query[1] != "r" || runs.query[2] != 2 {
		t.Errorf("queries = %v", runs.query)
	}

	if w := get(t, s, "/runs?limit=0"); w.Code != http.StatusBadRequest {
		t.Errorf("GET with bad limit = %d", w.Code)
	}
	runs.err = errors.New("database gone")
	if w := get(t, s, "/runs"); w.Code != http.StatusInternalServerError {
		t.Errorf("GET with failing store = %d", w.Code)
	}
}

func TestMetaUpdater(t *testing.T) {
	m := NewMetaUpdater()
	defer m.Close()
	srv := httptest.NewServer(m)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer ws.Close()

	// The connection registers asynchronously, so keep poking until a message
	// arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				m.Notify(nil)
			case <-stop:
				return
			}
		}
	}()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	typ, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() failed: %v", err)
	}
	if typ != websocket.TextMessage || string(msg) != "update" {
		t.Errorf("message = %d %q, want text \"update\"", typ, msg)
	}
}

func TestRoutes(t *testing.T) {
	cmp := testComparator(t)
	h := (&Routes{
		Meta:    &MetaServer{Comparator: cmp},
		Centers: &CentersServer{Comparator: cmp},
	}).Handler()

	for target, want := range map[string]int{
		"/metrics": http.StatusOK,
		"/status":  http.StatusOK,
		"/centers": http.StatusConflict,
		"/runs":    http.StatusNotFound,
		"/frame":   http.StatusNotFound,
	} {
		if w := get(t, h, target); w.Code != want {
			t.Errorf("GET %s = %d, want %d", target, w.Code, want)
		}
	}
}

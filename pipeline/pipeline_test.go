package pipeline

import (
	"image"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"

	"teamcam/cluster"
	"teamcam/video/frame"
	"teamcam/video/source"
)

// tracker counts buffers that have not been closed yet.
type tracker struct {
	live int64
}

type buf struct {
	t      *tracker
	closed int32
}

func (t *tracker) buffer() *buf {
	atomic.AddInt64(&t.live, 1)
	return &buf{t: t}
}

func (t *tracker) Live() int64 {
	return atomic.LoadInt64(&t.live)
}

func (b *buf) Close() error {
	if atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		atomic.AddInt64(&b.t.live, -1)
	}
	return nil
}

type fakeSource struct {
	camera int
	total  int
	bad    map[int]bool
	fail   map[int]error
	t      *tracker

	mu     sync.Mutex
	reads  []int
	closed bool
}

func (s *fakeSource) ReadAt(index int) (*frame.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, index)
	if index >= s.total {
		return nil, io.EOF
	}
	if s.bad[index] {
		return nil, errors.Wrapf(source.ErrDecodeFailure, "frame %d", index)
	}
	if err := s.fail[index]; err != nil {
		return nil, err
	}
	return &frame.Frame{
		Camera: s.camera,
		Index:  index,
		Image:  s.t.buffer(),
		Mask:   s.t.buffer(),
	}, nil
}

func (s *fakeSource) TotalFrameCount() int { return s.total }

func (s *fakeSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeVideos opens fakeSources with total frames each.
type fakeVideos struct {
	total   int
	missing map[int]bool
	bad     map[int]bool
	fail    map[int]error
	t       *tracker

	mu      sync.Mutex
	sources map[int]*fakeSource
}

func newFakeVideos(total int) *fakeVideos {
	return &fakeVideos{
		total:   total,
		t:       &tracker{},
		sources: make(map[int]*fakeSource),
	}
}

func (v *fakeVideos) Open(root string, camera int) (source.Source, error) {
	if v.missing[camera] {
		return nil, errors.Wrapf(source.ErrSourceUnavailable, "camera %d", camera)
	}
	s := &fakeSource{camera: camera, total: v.total, bad: v.bad, fail: v.fail, t: v.t}
	v.mu.Lock()
	v.sources[camera] = s
	v.mu.Unlock()
	return s, nil
}

func (v *fakeVideos) source(camera int) *fakeSource {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sources[camera]
}

// fakePlayers finds one player per frame.
type fakePlayers struct {
	t      *tracker
	closed int32
}

func (p *fakePlayers) Extract(f *frame.Frame) ([]*frame.Player, error) {
	return []*frame.Player{{
		Bounds: image.Rect(0, 0, 10, 30),
		Image:  p.t.buffer(),
	}}, nil
}

func (p *fakePlayers) Close() { atomic.StoreInt32(&p.closed, 1) }

// cameraFeatures puts players of even cameras near the origin and players of
// odd cameras near (10, 10).
type cameraFeatures struct {
	failCamera int
}

func (cameraFeatures) base(camera int) float64 {
	return float64(camera%2) * 10
}

func (c cameraFeatures) Compute(p *frame.Player) (cluster.Vector, error) {
	if p.Camera == c.failCamera {
		return nil, errors.New("no torso")
	}
	b := c.base(p.Camera) + float64(p.FrameIndex%7)*0.01
	return cluster.Vector{b, b}, nil
}

func testComparator(t *testing.T) *cluster.Comparator {
	o := cluster.DefaultOptions()
	o.K, o.Dims = 2, 2
	c, err := cluster.New(o)
	if err != nil {
		t.Fatalf("cluster.New() failed: %v", err)
	}
	return c
}

func testDeps(t *testing.T, v *fakeVideos, cmp Observer) Deps {
	return Deps{
		VideoRoot: "/videos",
		Open:      v.Open,
		Players: func(string) (PlayerExtractor, error) {
			return &fakePlayers{t: v.t}, nil
		},
		Features:   cameraFeatures{failCamera: -1},
		Comparator: cmp,
	}
}

// collect reads p until io.EOF, returning the frame indices.
func collect(t *testing.T, p *Pipeline) []int {
	t.Helper()
	var got []int
	for {
		f, err := p.Next()
		if err == io.EOF {
			return got
		}
		if err != nil {
			t.Fatalf("Next() failed: %v", err)
		}
		got = append(got, f.Index)
		f.Release()
	}
}

func TestPipelineFrameRange(t *testing.T) {
	cases := []struct {
		name             string
		total            int
		start, end, step int
		bad              map[int]bool
		want             []int
	}{
		{name: "range", total: 100, start: 5, end: 40, step: 10, want: []int{5, 15, 25, 35}},
		{name: "every frame", total: 4, start: 0, end: -1, step: 1, want: []int{0, 1, 2, 3}},
		{name: "source exhausted", total: 25, start: 0, end: -1, step: 10, want: []int{0, 10, 20}},
		{name: "end past source", total: 25, start: 0, end: 1000, step: 10, want: []int{0, 10, 20}},
		{name: "start past end", total: 100, start: 50, end: 10, step: 1, want: nil},
		{name: "decode failure skipped", total: 100, start: 0, end: 20, step: 5, bad: map[int]bool{10: true}, want: []int{0, 5, 15}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newFakeVideos(tc.total)
			v.bad = tc.bad
			p := NewPipeline(testDeps(t, v, testComparator(t)))
			if err := p.Configure(3, "", tc.start, tc.end, tc.step); err != nil {
				t.Fatalf("Configure() failed: %v", err)
			}
			got := collect(t, p)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("frames = %v, want %v", got, tc.want)
			}
			if p.Skipped() != len(tc.bad) {
				t.Errorf("Skipped() = %d, want %d", p.Skipped(), len(tc.bad))
			}
			if _, err := p.Next(); err != io.EOF {
				t.Errorf("Next() after end = %v, want io.EOF", err)
			}
			p.Close()
			if !v.source(3).Closed() {
				t.Errorf("source not closed")
			}
			if n := v.t.Live(); n != 0 {
				t.Errorf("%d buffers leaked", n)
			}
		})
	}
}

func TestPipelineFramesCarryPlayers(t *testing.T) {
	v := newFakeVideos(10)
	p := NewPipeline(testDeps(t, v, testComparator(t)))
	if err := p.Configure(1, "", 0, 3, 1); err != nil {
		t.Fatalf("Configure() failed: %v", err)
	}
	defer p.Close()

	f, err := p.Next()
	if err != nil {
		t.Fatalf("Next() failed: %v", err)
	}
	defer f.Release()
	if f.Camera != 1 || f.Index != 0 {
		t.Errorf("got camera %d frame %d, want camera 1 frame 0", f.Camera, f.Index)
	}
	if len(f.Players) != 1 {
		t.Fatalf("got %d players, want 1", len(f.Players))
	}
	pl := f.Players[0]
	if pl.Camera != 1 || pl.FrameIndex != 0 {
		t.Errorf("player tagged camera %d frame %d, want camera 1 frame 0", pl.Camera, pl.FrameIndex)
	}
	if pl.Team != frame.Unassigned {
		t.Errorf("player team = %d while accumulating, want unassigned", pl.Team)
	}
	if len(pl.Features) != 2 {
		t.Errorf("player features = %v, want 2 dims", pl.Features)
	}
}

func TestPipelineDropsPlayersWithoutFeatures(t *testing.T) {
	v := newFakeVideos(10)
	d := testDeps(t, v, testComparator(t))
	d.Features = cameraFeatures{failCamera: 0}
	p := NewPipeline(d)
	if err := p.Configure(0, "", 0, 2, 1); err != nil {
		t.Fatalf("Configure() failed: %v", err)
	}
	f, err := p.Next()
	if err != nil {
		t.Fatalf("Next() failed: %v", err)
	}
	if len(f.Players) != 0 {
		t.Errorf("got %d players, want 0", len(f.Players))
	}
	f.Release()
	p.Close()
	if n := v.t.Live(); n != 0 {
		t.Errorf("%d buffers leaked", n)
	}
}

func TestPipelineConfiguration(t *testing.T) {
	v := newFakeVideos(10)
	p := NewPipeline(testDeps(t, v, testComparator(t)))
	defer p.Close()

	if _, err := p.Next(); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Next() before Configure() = %v, want ErrConfiguration", err)
	}
	if err := p.Configure(0, "", 0, 10, 0); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Configure(step=0) = %v, want ErrConfiguration", err)
	}
	if err := p.Configure(0, "", -1, 10, 1); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Configure(start=-1) = %v, want ErrConfiguration", err)
	}
	if err := p.Configure(0, "", 0, 10, 1); err != nil {
		t.Fatalf("Configure() failed: %v", err)
	}
	// Reconfiguring before the first read is allowed.
	if err := p.SetStep(4); err != nil {
		t.Errorf("SetStep() before start failed: %v", err)
	}

	f, err := p.Next()
	if err != nil {
		t.Fatalf("Next() failed: %v", err)
	}
	f.Release()

	if err := p.Configure(0, "", 0, 10, 1); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Configure() after start = %v, want ErrConfiguration", err)
	}
	if err := p.SetStart(2); !errors.Is(err, ErrConfiguration) {
		t.Errorf("SetStart() after start = %v, want ErrConfiguration", err)
	}
	if err := p.SetEnd(2); !errors.Is(err, ErrConfiguration) {
		t.Errorf("SetEnd() after start = %v, want ErrConfiguration", err)
	}
	if err := p.SetStep(2); !errors.Is(err, ErrConfiguration) {
		t.Errorf("SetStep() after start = %v, want ErrConfiguration", err)
	}

	f, err = p.Next()
	if err != nil {
		t.Fatalf("Next() failed: %v", err)
	}
	if f.Index != 4 {
		t.Errorf("second frame = %d, want 4", f.Index)
	}
	f.Release()
}

func TestPipelineSourceUnavailable(t *testing.T) {
	v := newFakeVideos(10)
	v.missing = map[int]bool{2: true}
	p := NewPipeline(testDeps(t, v, testComparator(t)))
	if err := p.Configure(2, "", 0, -1, 1); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("Configure() = %v, want ErrSourceUnavailable", err)
	}
}

func TestPipelineModelFailure(t *testing.T) {
	v := newFakeVideos(10)
	d := testDeps(t, v, testComparator(t))
	d.Players = func(path string) (PlayerExtractor, error) {
		return nil, errors.Errorf("no such model %v", path)
	}
	p := NewPipeline(d)
	if err := p.Configure(0, "missing.caffemodel", 0, -1, 1); err == nil {
		t.Errorf("Configure() with missing model succeeded")
	}
	p.Close()
	if !v.source(0).Closed() {
		t.Errorf("source not closed")
	}
}

func TestPipelineFailedReconfigureKeepsCamera(t *testing.T) {
	v := newFakeVideos(10)
	d := testDeps(t, v, testComparator(t))
	loaded := &fakePlayers{t: v.t}
	d.Players = func(path string) (PlayerExtractor, error) {
		if path == "missing.caffemodel" {
			return nil, errors.Errorf("no such model %v", path)
		}
		return loaded, nil
	}
	p := NewPipeline(d)
	defer p.Close()

	if err := p.Configure(1, "players.caffemodel", 0, -1, 1); err != nil {
		t.Fatalf("Configure() failed: %v", err)
	}
	if err := p.Configure(2, "missing.caffemodel", 3, -1, 1); err == nil {
		t.Fatalf("Configure() with missing model succeeded")
	}
	if p.Camera() != 1 {
		t.Errorf("Camera() = %d after failed reconfigure, want 1", p.Camera())
	}
	if !v.source(2).Closed() {
		t.Errorf("camera 2 source left open")
	}
	if v.source(1).Closed() {
		t.Errorf("camera 1 source closed by failed reconfigure")
	}
	if atomic.LoadInt32(&loaded.closed) != 0 {
		t.Errorf("loaded extractor closed by failed reconfigure")
	}

	f, err := p.Next()
	if err != nil {
		t.Fatalf("Next() failed: %v", err)
	}
	defer f.Release()
	if f.Camera != 1 || f.Index != 0 {
		t.Errorf("frame = camera %d index %d, want camera 1 index 0", f.Camera, f.Index)
	}
}

func TestPipelineReadError(t *testing.T) {
	v := newFakeVideos(10)
	boom := errors.New("disk on fire")
	v.fail = map[int]error{2: boom}
	p := NewPipeline(testDeps(t, v, testComparator(t)))
	if err := p.Configure(0, "", 0, -1, 1); err != nil {
		t.Fatalf("Configure() failed: %v", err)
	}
	defer p.Close()
	for i := 0; i < 2; i++ {
		f, err := p.Next()
		if err != nil {
			t.Fatalf("Next() failed: %v", err)
		}
		f.Release()
	}
	if _, err := p.Next(); !errors.Is(err, boom) {
		t.Errorf("Next() = %v, want %v", err, boom)
	}
}

func TestLimitEnd(t *testing.T) {
	for _, tc := range []struct {
		start, step, end, frames, want int
	}{
		{0, 1, -1, 0, -1},
		{0, 25, -1, 4, 100},
		{10, 5, 1000, 3, 25},
		{10, 5, 20, 3, 20},
	} {
		if got := LimitEnd(tc.start, tc.step, tc.end, tc.frames); got != tc.want {
			t.Errorf("LimitEnd(%d, %d, %d, %d) = %d, want %d", tc.start, tc.step, tc.end, tc.frames, got, tc.want)
		}
	}

	// Every camera contributes the same number of frames.
	v := newFakeVideos(1000)
	o := testOptions(t, v, 3, 2)
	o.Order = OrderAscending
	o.Step = 25
	o.End = LimitEnd(0, 25, -1, 4)
	c, err := New(o)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer c.Close()
	perCamera := map[int]int{}
	for _, k := range drain(t, c) {
		perCamera[k.camera]++
	}
	for cam := 0; cam < 3; cam++ {
		if perCamera[cam] != 4 {
			t.Errorf("camera %d produced %d frames, want 4", cam, perCamera[cam])
		}
	}
}

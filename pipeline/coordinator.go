package pipeline

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"teamcam/util"
	"teamcam/video/frame"
)

// Order selects how frames of different workers are interleaved by Next.
type Order int

const (
	// OrderRoundRobin takes one frame from each live worker in turn.
	OrderRoundRobin Order = iota
	// OrderAscending emits frames in ascending (camera, index) order within each
	// worker's stream by merging the heads of all worker streams.
	OrderAscending
)

func (o Order) String() string {
	switch o {
	case OrderRoundRobin:
		return "roundrobin"
	case OrderAscending:
		return "ascending"
	}
	return "unknown"
}

func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(s) {
	case "", "roundrobin", "round-robin":
		return OrderRoundRobin, nil
	case "ascending":
		return OrderAscending, nil
	}
	return 0, errors.Wrapf(ErrConfiguration, "unknown order %q", s)
}

const defaultBuffer = 4

// Options configures a Coordinator.
type Options struct {
	Deps

	Cameras int
	Workers int
	// ModelPath of the player detection model. Empty selects the extractor's
	// default.
	ModelPath string

	Start int
	// End is the exclusive end index applied to every camera. A negative End
	// reads every source until it is exhausted.
	End int
	// Step defaults to 1.
	Step int

	Order Order
	// Buffer is the number of processed frames each worker may hold ahead of the
	// consumer. Defaults to 4.
	Buffer int
}

// Stats summarizes what a Coordinator has emitted so far.
type Stats struct {
	Started bool
	Done    bool
	// Frames emitted, by camera.
	Frames  map[int]int
	Players int
	Labeled int
	// Skipped undecodable frames, over all cameras.
	Skipped int
}

// Coordinator runs one Pipeline per camera on a fixed set of worker goroutines
// and merges their output into a single stream of frames.
type Coordinator struct {
	opts    Options
	workers []*worker

	start     *util.Event
	stop      *util.Event
	wg        sync.WaitGroup
	closeOnce sync.Once

	l       sync.Mutex
	started bool
	closed  bool
	done    bool
	rr      int
	live    []bool
	heads   []*frame.Frame

	sl    sync.Mutex
	stats Stats
}

// New opens every camera source and starts the worker goroutines, parked until
// the first call to Next. Camera c is served by worker c % Workers.
func New(o Options) (*Coordinator, error) {
	if o.Cameras < 1 {
		return nil, errors.Wrapf(ErrConfiguration, "need at least one camera, got %d", o.Cameras)
	}
	if o.Workers < 1 {
		return nil, errors.Wrapf(ErrConfiguration, "need at least one worker, got %d", o.Workers)
	}
	if o.Open == nil || o.Players == nil || o.Features == nil || o.Comparator == nil {
		return nil, errors.Wrap(ErrConfiguration, "missing pipeline dependency")
	}
	if o.Step == 0 {
		o.Step = 1
	}
	if o.Buffer <= 0 {
		o.Buffer = defaultBuffer
	}
	if err := validateRange(o.Start, o.Step); err != nil {
		return nil, err
	}

	n := o.Workers
	if n > o.Cameras {
		n = o.Cameras
	}
	c := &Coordinator{
		opts:  o,
		start: util.NewEvent(),
		stop:  util.NewEvent(),
		live:  make([]bool, n),
		heads: make([]*frame.Frame, n),
		stats: Stats{Frames: make(map[int]int)},
	}
	for i := 0; i < n; i++ {
		c.workers = append(c.workers, newWorker(i, o.Buffer))
		c.live[i] = true
	}

	for cam := 0; cam < o.Cameras; cam++ {
		p := NewPipeline(o.Deps)
		if err := p.Configure(cam, o.ModelPath, o.Start, o.End, o.Step); err != nil {
			p.Close()
			for _, w := range c.workers {
				for _, p := range w.pipelines {
					p.Close()
				}
			}
			return nil, err
		}
		w := c.workers[cam%n]
		w.pipelines = append(w.pipelines, p)
	}

	for _, w := range c.workers {
		c.wg.Add(1)
		go w.run(c.start, c.stop, &c.wg)
	}
	log.Infof("Coordinator ready: %d cameras on %d workers, order %v", o.Cameras, n, o.Order)
	return c, nil
}

// configure applies fn to every pipeline. Workers are parked until start, so
// the pipelines can be touched from here.
func (c *Coordinator) configure(fn func(p *Pipeline) error) error {
	c.l.Lock()
	defer c.l.Unlock()
	if c.started || c.closed {
		return errors.Wrap(ErrConfiguration, "coordinator already started")
	}
	for _, w := range c.workers {
		for _, p := range w.pipelines {
			if err := fn(p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Coordinator) SetStartFrame(start int) error {
	return c.configure(func(p *Pipeline) error { return p.SetStart(start) })
}

func (c *Coordinator) SetEndFrame(end int) error {
	return c.configure(func(p *Pipeline) error { return p.SetEnd(end) })
}

func (c *Coordinator) SetFrameStepSize(step int) error {
	return c.configure(func(p *Pipeline) error { return p.SetStep(step) })
}

// Next returns the next processed frame. It starts the workers on first use,
// and returns io.EOF once every camera is exhausted. A worker failure is
// returned once; the remaining workers keep running. The caller owns the
// returned frame and must Release it.
func (c *Coordinator) Next(ctx context.Context) (*frame.Frame, error) {
	c.l.Lock()
	defer c.l.Unlock()
	if c.closed {
		return nil, errors.Wrap(ErrConfiguration, "coordinator closed")
	}
	if !c.started {
		c.started = true
		c.sl.Lock()
		c.stats.Started = true
		c.sl.Unlock()
		c.start.Notify()
	}

	var (
		f   *frame.Frame
		err error
	)
	switch c.opts.Order {
	case OrderAscending:
		f, err = c.nextAscending(ctx)
	default:
		f, err = c.nextRoundRobin(ctx)
	}
	c.sl.Lock()
	defer c.sl.Unlock()
	if err == io.EOF && !c.done {
		c.done = true
		c.stats.Done = true
		log.Infof("All cameras done, %d frames emitted", c.emitted())
	}
	if f != nil {
		c.stats.Frames[f.Camera]++
		c.stats.Players += len(f.Players)
		c.stats.Labeled += len(f.Labeled())
	}
	return f, err
}

// recv receives from worker i. ok is false once the worker has finished.
func (c *Coordinator) recv(ctx context.Context, i int) (r result, ok bool, err error) {
	select {
	case r, ok = <-c.workers[i].out:
		if !ok {
			c.live[i] = false
		}
		return r, ok, nil
	case <-ctx.Done():
		return result{}, false, ctx.Err()
	}
}

func (c *Coordinator) nextRoundRobin(ctx context.Context) (*frame.Frame, error) {
	for c.anyLive() {
		i := c.rr
		if !c.live[i] {
			c.rr = (i + 1) % len(c.workers)
			continue
		}
		r, ok, err := c.recv(ctx, i)
		if err != nil {
			return nil, err
		}
		c.rr = (i + 1) % len(c.workers)
		if !ok {
			continue
		}
		if r.err != nil {
			return nil, r.err
		}
		return r.f, nil
	}
	return nil, io.EOF
}

func (c *Coordinator) nextAscending(ctx context.Context) (*frame.Frame, error) {
	for i := range c.workers {
		for c.live[i] && c.heads[i] == nil {
			r, ok, err := c.recv(ctx, i)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			if r.err != nil {
				return nil, r.err
			}
			c.heads[i] = r.f
		}
	}

	best := -1
	for i, h := range c.heads {
		if h == nil {
			continue
		}
		if best < 0 || before(h, c.heads[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil, io.EOF
	}
	f := c.heads[best]
	c.heads[best] = nil
	return f, nil
}

func before(a, b *frame.Frame) bool {
	if a.Camera != b.Camera {
		return a.Camera < b.Camera
	}
	return a.Index < b.Index
}

func (c *Coordinator) anyLive() bool {
	for _, l := range c.live {
		if l {
			return true
		}
	}
	return false
}

func (c *Coordinator) emitted() int {
	n := 0
	for _, v := range c.stats.Frames {
		n += v
	}
	return n
}

// Stats returns a snapshot of the emitted totals.
func (c *Coordinator) Stats() Stats {
	c.sl.Lock()
	defer c.sl.Unlock()
	s := c.stats
	s.Frames = make(map[int]int, len(c.stats.Frames))
	for k, v := range c.stats.Frames {
		s.Frames[k] = v
	}
	for _, w := range c.workers {
		for _, p := range w.pipelines {
			s.Skipped += p.Skipped()
		}
	}
	return s
}

// Close stops the workers, releases every frame not yet handed out and waits
// for the workers to release their pipelines. It is safe to call more than
// once, and before the first Next.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		// Stopping first unblocks a concurrent Next waiting on a worker.
		c.stop.Notify()

		c.l.Lock()
		defer c.l.Unlock()
		c.closed = true
		for _, w := range c.workers {
			for r := range w.out {
				if r.f != nil {
					r.f.Release()
				}
			}
		}
		c.wg.Wait()
		for i, h := range c.heads {
			if h != nil {
				h.Release()
				c.heads[i] = nil
			}
		}
		log.Debug("Coordinator closed")
	})
}

// Drain consumes every remaining frame of c, handing each to fn before
// releasing it. It stops at the first error from c or fn.
func Drain(ctx context.Context, c *Coordinator, fn func(f *frame.Frame) error) error {
	for {
		f, err := c.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		err = fn(f)
		f.Release()
		if err != nil {
			return err
		}
	}
}

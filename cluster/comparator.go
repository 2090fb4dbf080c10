package cluster

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	ErrPhase             = errors.New("comparator is in the wrong phase")
	ErrDimensionMismatch = errors.New("feature vector dimension mismatch")
	ErrInsufficientData  = errors.New("not enough feature vectors to train")
	ErrCorruptState      = errors.New("corrupt cluster state")
)

// Unassigned is the team reported for a vector that was accumulated rather
// than classified.
const Unassigned = -1

// Vector is a fixed-length feature vector.
type Vector []float64

// Phase of a Comparator. The transition from Accumulating to Classifying is
// one-way.
type Phase int

const (
	Accumulating Phase = iota
	Classifying
)

func (p Phase) String() string {
	switch p {
	case Accumulating:
		return "accumulating"
	case Classifying:
		return "classifying"
	}
	return "unknown"
}

type Options struct {
	// K is the number of clusters (teams).
	K int
	// Dims is the length of every feature vector.
	Dims int

	// MaxIter and Epsilon terminate a single k-means run: it stops after
	// MaxIter iterations or once no center moved by more than Epsilon.
	MaxIter int
	Epsilon float64

	// Attempts is the number of independently seeded runs. The run with the
	// lowest distortion wins.
	Attempts int

	// Seed for k-means++ initialization. Equal seeds over equal pools give
	// equal centers.
	Seed int64
}

// DefaultOptions matches two teams described by a 180 bin hue histogram.
func DefaultOptions() Options {
	return Options{
		K:        2,
		Dims:     180,
		MaxIter:  10,
		Epsilon:  1.0,
		Attempts: 3,
		Seed:     1,
	}
}

func (o *Options) validate() error {
	if o.K < 1 {
		return errors.Errorf("cluster count must be positive, got %d", o.K)
	}
	if o.Dims < 1 {
		return errors.Errorf("dimensionality must be positive, got %d", o.Dims)
	}
	if o.MaxIter < 1 && o.Epsilon <= 0 {
		return errors.New("either MaxIter or Epsilon must terminate clustering")
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	return nil
}

type state interface {
	phase() Phase
}

type accumulating struct {
	pool []Vector
}

func (*accumulating) phase() Phase { return Accumulating }

type classifying struct {
	centers []Vector
}

func (*classifying) phase() Phase { return Classifying }

// Comparator learns K team prototypes from accumulated feature vectors and
// then classifies new vectors against them. It is safe for concurrent use:
// accumulation and training are serialized, classification runs in parallel
// once trained.
type Comparator struct {
	opts Options

	st state
	l  sync.RWMutex

	onTrained []func(centers []Vector)
}

func New(opts Options) (*Comparator, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Comparator{
		opts: opts,
		st:   &accumulating{},
	}, nil
}

func (c *Comparator) K() int    { return c.opts.K }
func (c *Comparator) Dims() int { return c.opts.Dims }

func (c *Comparator) Phase() Phase {
	c.l.RLock()
	defer c.l.RUnlock()
	return c.st.phase()
}

// PoolSize returns the number of accumulated vectors, zero once trained.
func (c *Comparator) PoolSize() int {
	c.l.RLock()
	defer c.l.RUnlock()
	if s, ok := c.st.(*accumulating); ok {
		return len(s.pool)
	}
	return 0
}

// OnTrained registers fn to be called with a copy of the centers after the
// comparator enters the classifying phase. Must be called before training.
func (c *Comparator) OnTrained(fn func(centers []Vector)) {
	c.l.Lock()
	defer c.l.Unlock()
	c.onTrained = append(c.onTrained, fn)
}

func (c *Comparator) checkDims(v Vector) error {
	if len(v) != c.opts.Dims {
		return errors.Wrapf(ErrDimensionMismatch, "got %d, want %d", len(v), c.opts.Dims)
	}
	return nil
}

// Accumulate appends a copy of v to the training pool.
func (c *Comparator) Accumulate(v Vector) error {
	if err := c.checkDims(v); err != nil {
		return err
	}
	c.l.Lock()
	defer c.l.Unlock()
	return c.accumulate(v)
}

func (c *Comparator) accumulate(v Vector) error {
	s, ok := c.st.(*accumulating)
	if !ok {
		return errors.Wrap(ErrPhase, "accumulate after training")
	}
	s.pool = append(s.pool, append(Vector(nil), v...))
	poolSize.Set(float64(len(s.pool)))
	return nil
}

// Classify returns the index of the center nearest to v. Ties go to the lowest
// index.
func (c *Comparator) Classify(v Vector) (int, error) {
	if err := c.checkDims(v); err != nil {
		return 0, err
	}
	c.l.RLock()
	defer c.l.RUnlock()
	return c.classify(v)
}

func (c *Comparator) classify(v Vector) (int, error) {
	s, ok := c.st.(*classifying)
	if !ok {
		return 0, errors.Wrap(ErrPhase, "classify before training")
	}
	team := nearest(s.centers, v)
	classified.WithLabelValues(teamLabel(team)).Inc()
	return team, nil
}

// Observe accumulates v while the comparator is accumulating and classifies it
// once trained. The phase check and the operation happen under one lock, so a
// concurrent Train can never split them. Accumulated vectors report
// Unassigned.
func (c *Comparator) Observe(v Vector) (int, error) {
	if err := c.checkDims(v); err != nil {
		return Unassigned, err
	}
	c.l.RLock()
	if _, ok := c.st.(*classifying); ok {
		defer c.l.RUnlock()
		return c.classify(v)
	}
	c.l.RUnlock()

	c.l.Lock()
	defer c.l.Unlock()
	// Training may have completed between the two locks.
	if _, ok := c.st.(*classifying); ok {
		return c.classify(v)
	}
	return Unassigned, c.accumulate(v)
}

// Center returns a copy of center i.
func (c *Comparator) Center(i int) (Vector, error) {
	c.l.RLock()
	defer c.l.RUnlock()
	s, ok := c.st.(*classifying)
	if !ok {
		return nil, errors.Wrap(ErrPhase, "no centers before training")
	}
	if i < 0 || i >= len(s.centers) {
		return nil, errors.Errorf("center %d out of range [0, %d)", i, len(s.centers))
	}
	return append(Vector(nil), s.centers[i]...), nil
}

// Centers returns a copy of all centers.
func (c *Comparator) Centers() ([]Vector, error) {
	c.l.RLock()
	defer c.l.RUnlock()
	s, ok := c.st.(*classifying)
	if !ok {
		return nil, errors.Wrap(ErrPhase, "no centers before training")
	}
	return copyVectors(s.centers), nil
}

// Train clusters the accumulated pool and moves the comparator to the
// classifying phase.
func (c *Comparator) Train() error {
	c.l.Lock()
	s, ok := c.st.(*accumulating)
	if !ok {
		c.l.Unlock()
		return errors.Wrap(ErrPhase, "already trained")
	}
	if len(s.pool) < c.opts.K {
		c.l.Unlock()
		return errors.Wrapf(ErrInsufficientData, "have %d vectors, need at least %d", len(s.pool), c.opts.K)
	}

	res := kmeans(s.pool, c.opts)
	sortCenters(res.centers)
	log.Infof("Clustered %d feature vectors into %d centers (distortion %.4f, %d iterations)",
		len(s.pool), c.opts.K, res.distortion, res.iterations)
	trainings.Inc()

	return c.enterClassifying(res.centers)
}

// enterClassifying switches state and runs hooks. Called with c.l held; it
// releases the lock before invoking hooks.
func (c *Comparator) enterClassifying(centers []Vector) error {
	c.st = &classifying{centers: centers}
	poolSize.Set(0)
	hooks := c.onTrained
	cp := copyVectors(centers)
	c.l.Unlock()

	for _, fn := range hooks {
		fn(cp)
	}
	return nil
}

func nearest(centers []Vector, v Vector) int {
	best, bestDist := 0, math.Inf(1)
	for i, ctr := range centers {
		// Strict comparison keeps the lowest index on ties.
		if d := sqDist(ctr, v); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func sqDist(a, b Vector) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

func copyVectors(vs []Vector) []Vector {
	out := make([]Vector, len(vs))
	for i, v := range vs {
		out[i] = append(Vector(nil), v...)
	}
	return out
}

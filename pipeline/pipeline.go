package pipeline

import (
	"io"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"teamcam/cluster"
	"teamcam/video/frame"
	"teamcam/video/source"
)

var (
	// ErrConfiguration is returned for setup calls made in the wrong order or
	// with invalid values.
	ErrConfiguration = errors.New("configuration error")

	ErrSourceUnavailable = source.ErrSourceUnavailable
	ErrDecodeFailure     = source.ErrDecodeFailure
)

// PlayerExtractor finds players in a frame using the frame's image and
// foreground mask.
type PlayerExtractor interface {
	Extract(f *frame.Frame) ([]*frame.Player, error)
	Close()
}

// ExtractorFactory builds a PlayerExtractor for a model. Each Pipeline owns the
// extractor it builds.
type ExtractorFactory func(modelPath string) (PlayerExtractor, error)

// FeatureExtractor computes the feature vector of a player. It must be safe for
// concurrent use.
type FeatureExtractor interface {
	Compute(p *frame.Player) (cluster.Vector, error)
}

// Annotator draws the labeled players onto the frame image. It must be safe for
// concurrent use.
type Annotator interface {
	Annotate(f *frame.Frame) error
}

// Observer accumulates or classifies feature vectors. *cluster.Comparator
// implements it.
type Observer interface {
	Observe(v cluster.Vector) (int, error)
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	VideoRoot string
	Open      source.Opener
	Players   ExtractorFactory
	Features  FeatureExtractor
	// Annotator is optional.
	Annotator  Annotator
	Comparator Observer
}

// Pipeline processes the frames of a single camera, one at a time. It is not
// safe for concurrent use.
type Pipeline struct {
	deps Deps

	camera    int
	modelPath string
	start     int
	end       int
	step      int

	src     source.Source
	players PlayerExtractor

	running bool
	done    bool
	last    int

	// skipped is read by Skipped from other goroutines.
	skipped int64
}

func NewPipeline(d Deps) *Pipeline {
	return &Pipeline{
		deps: d,
		end:  -1,
		step: 1,
	}
}

func (p *Pipeline) Camera() int { return p.camera }

// Skipped returns the number of undecodable frames skipped so far. It is safe
// to call concurrently with Next.
func (p *Pipeline) Skipped() int { return int(atomic.LoadInt64(&p.skipped)) }

func (p *Pipeline) checkIdle() error {
	if p.running {
		return errors.Wrapf(ErrConfiguration, "camera %d: pipeline already started", p.camera)
	}
	return nil
}

// Configure binds the pipeline to a camera and frame range and opens its
// source. It may be called again until the first Next.
func (p *Pipeline) Configure(camera int, modelPath string, start, end, step int) error {
	if err := p.checkIdle(); err != nil {
		return err
	}
	if err := validateRange(start, step); err != nil {
		return err
	}

	// Open everything first so a failure leaves the previous configuration intact.
	src := p.src
	if src == nil || camera != p.camera {
		var err error
		if src, err = p.deps.Open(p.deps.VideoRoot, camera); err != nil {
			if !errors.Is(err, ErrSourceUnavailable) {
				err = errors.Wrapf(ErrSourceUnavailable, "camera %d: %v", camera, err)
			}
			return err
		}
	}

	players := p.players
	if players == nil || modelPath != p.modelPath {
		var err error
		if players, err = p.deps.Players(modelPath); err != nil {
			if src != p.src {
				src.Close()
			}
			return errors.Wrapf(err, "camera %d: loading player model %q", camera, modelPath)
		}
	}

	if p.src != nil && p.src != src {
		p.src.Close()
	}
	if p.players != nil && p.players != players {
		p.players.Close()
	}
	p.src, p.players = src, players
	p.camera = camera
	p.modelPath = modelPath
	p.start, p.end, p.step = start, end, step
	return nil
}

func validateRange(start, step int) error {
	if step < 1 {
		return errors.Wrapf(ErrConfiguration, "step must be at least 1, got %d", step)
	}
	if start < 0 {
		return errors.Wrapf(ErrConfiguration, "start must not be negative, got %d", start)
	}
	return nil
}

// LimitEnd returns the end index that caps a range at frames frames per
// camera. frames <= 0 leaves end unchanged.
func LimitEnd(start, step, end, frames int) int {
	if frames <= 0 {
		return end
	}
	limit := start + frames*step
	if end >= 0 && end < limit {
		return end
	}
	return limit
}

func (p *Pipeline) SetStart(start int) error {
	if err := p.checkIdle(); err != nil {
		return err
	}
	if err := validateRange(start, p.step); err != nil {
		return err
	}
	p.start = start
	return nil
}

// SetEnd sets the exclusive end index. A negative end reads until the source is
// exhausted.
func (p *Pipeline) SetEnd(end int) error {
	if err := p.checkIdle(); err != nil {
		return err
	}
	p.end = end
	return nil
}

func (p *Pipeline) SetStep(step int) error {
	if err := p.checkIdle(); err != nil {
		return err
	}
	if err := validateRange(p.start, step); err != nil {
		return err
	}
	p.step = step
	return nil
}

// Next reads, processes and returns the next frame of the range. It returns
// io.EOF once the range or the source is exhausted. Undecodable frames are
// skipped. The caller owns the returned frame.
func (p *Pipeline) Next() (*frame.Frame, error) {
	if p.src == nil {
		return nil, errors.Wrap(ErrConfiguration, "pipeline not configured")
	}
	if p.done {
		return nil, io.EOF
	}

	idx := p.start
	if p.running {
		idx = p.last + p.step
	}
	p.running = true

	cam := strconv.Itoa(p.camera)
	for {
		if p.end >= 0 && idx >= p.end {
			p.done = true
			return nil, io.EOF
		}
		p.last = idx

		f, err := p.src.ReadAt(idx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			p.done = true
			return nil, io.EOF
		case errors.Is(err, ErrDecodeFailure):
			log.WithFields(log.Fields{"camera": p.camera, "frame": idx}).Warnf("Skipping frame: %v", err)
			framesSkipped.WithLabelValues(cam).Inc()
			atomic.AddInt64(&p.skipped, 1)
			idx += p.step
			continue
		default:
			return nil, errors.Wrapf(err, "camera %d frame %d", p.camera, idx)
		}

		if err := p.process(f); err != nil {
			f.Release()
			return nil, err
		}
		framesProcessed.WithLabelValues(cam).Inc()
		return f, nil
	}
}

// process runs extraction, feature computation and clustering on f.
func (p *Pipeline) process(f *frame.Frame) error {
	flog := log.WithFields(log.Fields{"camera": f.Camera, "frame": f.Index})
	cam := strconv.Itoa(f.Camera)

	players, err := p.players.Extract(f)
	if err != nil {
		flog.Warnf("Player extraction failed, continuing without players: %v", err)
		extractFailures.WithLabelValues(cam).Inc()
		players = nil
	}
	playersDetected.WithLabelValues(cam).Add(float64(len(players)))

	kept := players[:0]
	for _, pl := range players {
		pl.Camera, pl.FrameIndex = f.Camera, f.Index
		pl.Team = frame.Unassigned

		v, err := p.deps.Features.Compute(pl)
		if err != nil {
			flog.Warnf("Dropping player at %v: %v", pl.Bounds, err)
			featureFailures.WithLabelValues(cam).Inc()
			pl.Release()
			continue
		}
		pl.Features = v
		kept = append(kept, pl)
	}
	f.Players = kept

	for _, pl := range f.Players {
		team, err := p.deps.Comparator.Observe(pl.Features)
		if err != nil {
			return errors.Wrapf(err, "camera %d frame %d", f.Camera, f.Index)
		}
		pl.Team = team
	}
	flog.Debugf("%d players detected, %d labeled", len(f.Players), len(f.Labeled()))

	if p.deps.Annotator != nil {
		if err := p.deps.Annotator.Annotate(f); err != nil {
			flog.Warnf("Annotation failed: %v", err)
		}
	}
	return nil
}

// Close releases the source and the player extractor.
func (p *Pipeline) Close() {
	if p.src != nil {
		p.src.Close()
		p.src = nil
	}
	if p.players != nil {
		p.players.Close()
		p.players = nil
	}
}

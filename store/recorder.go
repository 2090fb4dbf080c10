package store

import (
	log "github.com/sirupsen/logrus"

	"teamcam/video/frame"
)

// Writer stores batches of assignments. *DB implements it.
type Writer interface {
	WriteAssignments(as []*Assignment) error
}

// Recorder collects the assignments of a run in the background and writes them
// in batches, so that the frame loop never waits on the database.
type Recorder struct {
	RunID string

	w     Writer
	batch int

	input chan []*Assignment
	close chan chan error
}

func NewRecorder(w Writer, runID string, batch int) *Recorder {
	if batch <= 0 {
		batch = 500
	}
	r := &Recorder{
		RunID: runID,
		w:     w,
		batch: batch,
		input: make(chan []*Assignment, 16),
		close: make(chan chan error),
	}
	go func() {
		var (
			pending []*Assignment
			lastErr error
			written int
		)
		flush := func() {
			if len(pending) == 0 {
				return
			}
			if err := r.w.WriteAssignments(pending); err != nil {
				log.Errorf("Failed to write %d assignments for run %v: %v", len(pending), r.RunID, err)
				lastErr = err
			} else {
				written += len(pending)
			}
			pending = nil
		}

		for {
			select {
			case as := <-r.input:
				pending = append(pending, as...)
				if len(pending) >= r.batch {
					flush()
				}
			case c := <-r.close:
				// Pick up whatever was queued before Close.
			drain:
				for {
					select {
					case as := <-r.input:
						pending = append(pending, as...)
					default:
						break drain
					}
				}
				flush()
				log.Infof("Recorded %d assignments for run %v", written, r.RunID)
				c <- lastErr
				return
			}
		}
	}()
	return r
}

// Put queues the labeled players of f. f is not retained.
func (r *Recorder) Put(f *frame.Frame) {
	if as := Assignments(r.RunID, f); len(as) > 0 {
		r.input <- as
	}
}

// Close writes the remaining assignments and returns the last write error.
func (r *Recorder) Close() error {
	c := make(chan error)
	r.close <- c
	return <-c
}

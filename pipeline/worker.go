package pipeline

import (
	"io"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"teamcam/util"
	"teamcam/video/frame"
)

type result struct {
	f   *frame.Frame
	err error
}

// worker drives its pipelines one after another, in ascending camera order,
// and hands the frames to the coordinator through a bounded channel.
type worker struct {
	id        int
	pipelines []*Pipeline
	out       chan result
}

func newWorker(id, buffer int) *worker {
	return &worker{
		id:  id,
		out: make(chan result, buffer),
	}
}

func (w *worker) cameras() []int {
	var c []int
	for _, p := range w.pipelines {
		c = append(c, p.Camera())
	}
	return c
}

// run waits for start, then produces frames until every pipeline is exhausted,
// a pipeline fails or stop is notified. The output channel is closed on return
// and every pipeline is released.
func (w *worker) run(start, stop *util.Event, wg *sync.WaitGroup) {
	wlog := log.WithField("worker", w.id)
	gauge := bufferedFrames.WithLabelValues(strconv.Itoa(w.id))
	defer wg.Done()
	defer close(w.out)
	defer func() {
		for _, p := range w.pipelines {
			p.Close()
		}
		wlog.Debug("Worker stopped")
	}()

	select {
	case <-start.Done():
	case <-stop.Done():
		return
	}
	wlog.Debugf("Worker started for cameras %v", w.cameras())

	for _, p := range w.pipelines {
		for {
			if stop.HasBeenNotified() {
				return
			}
			f, err := p.Next()
			if err == io.EOF {
				wlog.Debugf("Camera %d done", p.Camera())
				break
			}
			if err != nil {
				wlog.Errorf("Camera %d failed: %v", p.Camera(), err)
				select {
				case w.out <- result{err: err}:
				case <-stop.Done():
				}
				return
			}
			select {
			case w.out <- result{f: f}:
				gauge.Set(float64(len(w.out)))
			case <-stop.Done():
				f.Release()
				return
			}
		}
	}
}

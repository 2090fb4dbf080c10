package capture

import (
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"teamcam/video/frame"
)

// Mat is a gocv.Mat borrowed from a MatPool. Close hands it back to the pool
// instead of freeing it.
type Mat struct {
	gocv.Mat
	pool *MatPool
}

func (m *Mat) Close() error {
	m.pool.ReleaseMat(m.Mat)
	return nil
}

// MatOf returns the gocv.Mat behind a frame buffer, whether pooled or not.
func MatOf(b frame.Buffer) (*gocv.Mat, bool) {
	switch m := b.(type) {
	case *gocv.Mat:
		return m, true
	case *Mat:
		return &m.Mat, true
	}
	return nil, false
}

// MatPool recycles frame buffers between reads. It also guards the frame
// ownership contract: a consumer that never releases frames exhausts the pool.
type MatPool struct {
	new   chan chan gocv.Mat
	free  chan gocv.Mat
	close chan chan bool
	done  chan struct{}

	// Limit on live allocations.
	max       int
	allocated int
	available []gocv.Mat
}

func NewMatPool(max int) *MatPool {
	p := &MatPool{
		new:   make(chan chan gocv.Mat),
		free:  make(chan gocv.Mat),
		close: make(chan chan bool),
		done:  make(chan struct{}),
		max:   max,
	}
	go p.run()
	return p
}

// run owns the pool. After Close it lives on only until every borrowed Mat
// has come back.
func (p *MatPool) run() {
	defer close(p.done)
	closed := false
	for !closed || p.allocated > 0 {
		select {
		case c := <-p.close:
			closed = true
			for _, m := range p.available {
				m.Close()
				p.allocated--
			}
			p.available = nil
			c <- true
		case m := <-p.free:
			if closed {
				m.Close()
				p.allocated--
			} else {
				p.available = append(p.available, m)
			}
		case r := <-p.new:
			var m gocv.Mat
			if len(p.available) > 0 {
				m, p.available = p.available[0], p.available[1:]
			} else {
				m = gocv.NewMat()
				p.allocated++
				if p.max > 0 && p.allocated > p.max {
					log.Fatalf("Too many MatPool allocations (%d). Perhaps a Frame isn't being released?", p.allocated)
				}
			}
			r <- m
		}
	}
}

// NewMat borrows a Mat. Its contents are whatever the previous borrower left.
// It must not be called after Close.
func (p *MatPool) NewMat() *Mat {
	r := make(chan gocv.Mat)
	p.new <- r
	return &Mat{Mat: <-r, pool: p}
}

func (p *MatPool) ReleaseMat(m gocv.Mat) {
	p.free <- m
}

// Close frees idle Mats. Mats released afterwards are freed immediately, and
// the pool goroutine exits with the last one.
func (p *MatPool) Close() {
	c := make(chan bool)
	p.close <- c
	<-c
}

// Done is closed once the pool has been closed and every Mat freed.
func (p *MatPool) Done() <-chan struct{} {
	return p.done
}

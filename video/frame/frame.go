package frame

import (
	"image"
	"time"

	"teamcam/cluster"
)

// Unassigned marks a player whose features went into the training pool rather
// than being classified.
const Unassigned = cluster.Unassigned

// Buffer is an image buffer owned by a Frame or Player. gocv.Mat satisfies it.
type Buffer interface {
	Close() error
}

// Player is a single detection within a frame.
type Player struct {
	Camera     int
	FrameIndex int

	// Bounds of the player within the frame.
	Bounds image.Rectangle

	// Image and Mask are crops of the frame's buffers. Either may be nil.
	Image Buffer
	Mask  Buffer

	Features cluster.Vector
	Team     int
}

// Frame is one processed video frame. Whoever holds a Frame owns its buffers and
// must eventually call Release.
type Frame struct {
	Camera int
	Index  int
	Time   time.Time

	Image Buffer
	Mask  Buffer

	Players []*Player

	released bool
}

// Release closes the frame's buffers and those of every player. It is safe to
// call more than once.
func (f *Frame) Release() {
	if f == nil || f.released {
		return
	}
	f.released = true
	for _, p := range f.Players {
		p.Release()
	}
	closeBuffer(f.Image)
	closeBuffer(f.Mask)
}

// Released reports whether Release has been called.
func (f *Frame) Released() bool {
	return f.released
}

// Release closes the player's crops.
func (p *Player) Release() {
	closeBuffer(p.Image)
	closeBuffer(p.Mask)
	p.Image, p.Mask = nil, nil
}

// Labeled returns the players that were assigned a team.
func (f *Frame) Labeled() []*Player {
	var out []*Player
	for _, p := range f.Players {
		if p.Team != Unassigned {
			out = append(out, p)
		}
	}
	return out
}

func closeBuffer(b Buffer) {
	if b != nil {
		b.Close()
	}
}

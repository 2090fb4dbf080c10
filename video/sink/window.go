package sink

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"teamcam/video/frame"
)

// Window shows every camera in its own desktop window. gocv windows must be
// driven from one goroutine, so Put and Close are called from the consumer
// loop only.
type Window struct {
	windows map[int]*gocv.Window
}

func NewWindow() *Window {
	return &Window{
		windows: make(map[int]*gocv.Window),
	}
}

func (w *Window) Put(f *frame.Frame) {
	img, err := frameMat(f)
	if err != nil {
		log.Errorf("Not displaying frame: %v", err)
		return
	}
	win, ok := w.windows[f.Camera]
	if !ok {
		win = gocv.NewWindow(fmt.Sprintf("camera %d", f.Camera))
		win.ResizeWindow(img.Cols(), img.Rows())
		w.windows[f.Camera] = win
	}
	win.IMShow(*img)
	win.WaitKey(1)
}

func (w *Window) Close() {
	for _, win := range w.windows {
		win.Close()
	}
	w.windows = make(map[int]*gocv.Window)
}

package sink

import (
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"teamcam/video/frame"
)

// MJPEG multi-streaming, based on implementation by saljam:
// https://github.com/saljam/mjpeg/blob/master/stream.go

const boundaryWord = "MJPEGBOUNDARY"
const headerf = "\r\n" +
	"--" + boundaryWord + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: %d\r\n" +
	"X-Timestamp: 0.000000\r\n" +
	"\r\n"

type MJPEGID struct {
	Name string
}

// CameraStream names the stream of a camera's annotated frames.
func CameraStream(camera int) MJPEGID {
	return MJPEGID{Name: fmt.Sprintf("camera%d", camera)}
}

type MJPEGServer struct {
	m map[MJPEGID]*MJPEGStream

	lock sync.Mutex
}

func NewMJPEGServer() *MJPEGServer {
	return &MJPEGServer{
		m: make(map[MJPEGID]*MJPEGStream),
	}
}

func (s *MJPEGServer) NewStream(id MJPEGID) *MJPEGStream {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.m[id]; ok {
		log.Panicf("A stream for %v already exists", id)
	}

	ms := &MJPEGStream{
		id:     id,
		m:      make(map[chan []byte]bool),
		parent: s,
	}

	s.m[id] = ms
	return ms
}

func (s *MJPEGServer) getStream(id MJPEGID) *MJPEGStream {
	s.lock.Lock()
	defer s.lock.Unlock()
	if ms, ok := s.m[id]; ok {
		return ms
	}
	return nil
}

// ServeHTTP implements http.Handler interface, serving MJPEG.
func (s *MJPEGServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := MJPEGID{
		Name: r.Form.Get("name"),
	}
	if c := r.Form.Get("camera"); c != "" {
		id.Name = "camera" + c
	}

	if id.Name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}

	stream := s.getStream(id)
	if stream == nil {
		http.Error(w, "unknown stream ID", http.StatusNotFound)
		return
	}

	log.WithField("addr", r.RemoteAddr).Infof("MJPEG stream connected to %v", id)
	w.Header().Add("Content-Type", "multipart/x-mixed-replace;boundary="+boundaryWord)

	c := make(chan []byte)
	stream.lock.Lock()
	stream.m[c] = true
	stream.lock.Unlock()

loop:
	for {
		select {
		case b := <-c:
			if _, err := w.Write(b); err != nil {
				break loop
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		case <-r.Context().Done():
			break loop
		}
	}

	stream.lock.Lock()
	delete(stream.m, c)
	stream.lock.Unlock()
	log.WithField("addr", r.RemoteAddr).Infof("MJPEG stream disconnected from %v", id)
}

type MJPEGStream struct {
	id MJPEGID
	m  map[chan []byte]bool

	parent *MJPEGServer
	lock   sync.Mutex
}

func (s *MJPEGStream) empty() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.m) == 0
}

func (s *MJPEGStream) Put(input gocv.Mat) {
	if s.empty() {
		// Nobody is listening; don't bother encoding.
		return
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, input)
	if err != nil {
		log.Errorf("Error encoding to JPG for MJPEG stream %v: %v", s.id, err)
		return
	}
	defer buf.Close()
	jpeg := buf.GetBytes()

	// Listeners may still be writing the previous part, so each part gets its
	// own buffer.
	header := fmt.Sprintf(headerf, len(jpeg))
	part := make([]byte, len(header)+len(jpeg))
	copy(part, header)
	copy(part[len(header):], jpeg)

	s.lock.Lock()
	defer s.lock.Unlock()
	for c := range s.m {
		select {
		case c <- part:
		default:
			// Skip listeners not ready for next frame.
		}
	}
}

func (s *MJPEGStream) Close() {
	s.parent.lock.Lock()
	defer s.parent.lock.Unlock()
	delete(s.parent.m, s.id)
}

// MJPEGStreamPool is a convenience wrapper that holds a number of streams that
// are created dynamically when referenced.
type MJPEGStreamPool struct {
	server *MJPEGServer
	m      map[MJPEGID]*MJPEGStream
}

// Streams returns the IDs of the current streams.
func (s *MJPEGServer) Streams() []MJPEGID {
	s.lock.Lock()
	defer s.lock.Unlock()
	var ids []MJPEGID
	for id := range s.m {
		ids = append(ids, id)
	}
	return ids
}

func (s *MJPEGServer) NewStreamPool() *MJPEGStreamPool {
	return &MJPEGStreamPool{
		server: s,
		m:      make(map[MJPEGID]*MJPEGStream),
	}
}

// Put publishes the frame on the stream of its camera.
func (p *MJPEGStreamPool) Put(f *frame.Frame) {
	img, err := frameMat(f)
	if err != nil {
		log.Errorf("Not streaming frame: %v", err)
		return
	}
	p.put(CameraStream(f.Camera), *img)
}

func (p *MJPEGStreamPool) put(id MJPEGID, img gocv.Mat) {
	var stream *MJPEGStream
	var ok bool
	if stream, ok = p.m[id]; !ok {
		stream = p.server.NewStream(id)
		p.m[id] = stream
	}
	stream.Put(img)
}

func (p *MJPEGStreamPool) Close() {
	for _, s := range p.m {
		s.Close()
	}
	// Clear.
	p.m = make(map[MJPEGID]*MJPEGStream)
}

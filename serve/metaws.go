package serve

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"teamcam/notify"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second
)

// MetaUpdater pushes an "update" message to websocket clients whenever the
// saved frames or the run state change, prompting them to refetch the status.
type MetaUpdater struct {
	upgrader websocket.Upgrader
	cs       map[chan bool]bool
	addc     chan chan bool
	delc     chan chan bool
	notify   chan bool
	done     chan struct{}
}

func NewMetaUpdater() *MetaUpdater {
	m := &MetaUpdater{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cs:     make(map[chan bool]bool),
		addc:   make(chan chan bool),
		delc:   make(chan chan bool),
		notify: make(chan bool, 1),
		done:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case c := <-m.addc:
				m.cs[c] = true
			case c := <-m.delc:
				delete(m.cs, c)
			case <-m.notify:
				for k := range m.cs {
					// Clients with an update pending don't need another.
					select {
					case k <- true:
					default:
					}
				}
			case <-m.done:
				return
			}
		}
	}()
	return m
}

func (m *MetaUpdater) update() {
	select {
	case m.notify <- true:
	default:
		// An update is already queued.
	}
}

func (m *MetaUpdater) FilesystemUpdated() {
	m.update()
}

func (m *MetaUpdater) Notify(n *notify.Notification) error {
	m.update()
	return nil
}

// Close stops fanning out updates. Connected clients stay open until they
// disconnect.
func (m *MetaUpdater) Close() {
	close(m.done)
}

func (m *MetaUpdater) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for update stream: %v", err)
		}
		return
	}
	go m.serve(ws)
}

func (m *MetaUpdater) serve(ws *websocket.Conn) {
	clog := log.WithField("addr", ws.RemoteAddr())
	clog.Info("connected to events update socket")
	defer func() {
		ws.Close()
		clog.Info("disconnected from events update socket")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	notifyc := make(chan bool, 1)
	select {
	case m.addc <- notifyc:
	case <-m.done:
		return
	}
	defer func() {
		select {
		case m.delc <- notifyc:
		case <-m.done:
		}
	}()

	// Even though we don't care about incoming messages, we need to read from
	// the socket in order to process control messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-notifyc:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, []byte("update")); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

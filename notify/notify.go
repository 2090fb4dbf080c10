package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"

	"teamcam/cluster"
	"teamcam/store"
)

const (
	EventTrained  = "trained"
	EventFinished = "finished"
)

// Notification is sent to all NotifyListeners registered with Notifier.
type Notification struct {
	Event      string
	TimeString string
	RunID      string
	Message    string
}

type NotifyListener interface {
	Notify(n *Notification) error
}

// Notifier tells listeners about run milestones. Listeners are called
// concurrently and never block the caller.
type Notifier struct {
	Listeners []NotifyListener

	// RunID of the run in progress, if any.
	RunID string

	wg sync.WaitGroup
}

// Trained is invoked when the clustering engine has computed its centers.
func (n *Notifier) Trained(centers []cluster.Vector) {
	n.send(&Notification{
		Event:   EventTrained,
		RunID:   n.RunID,
		Message: fmt.Sprintf("Learned %d teams", len(centers)),
	})
}

// RunFinished is invoked when a pass over the match completes.
func (n *Notifier) RunFinished(r *store.Run) {
	msg := fmt.Sprintf("%s run finished: %d frames, %d of %d players labeled", r.Mode, r.Frames, r.Labeled, r.Players)
	if r.Error != "" {
		msg = fmt.Sprintf("%s run failed after %d frames: %s", r.Mode, r.Frames, r.Error)
	}
	n.send(&Notification{
		Event:   EventFinished,
		RunID:   r.ID,
		Message: msg,
	})
}

func (n *Notifier) send(notification *Notification) {
	notification.TimeString = time.Now().Format("3:04 PM")
	log.Infof("Sending notification: %v", spew.Sdump(notification))
	for _, l := range n.Listeners {
		n.wg.Add(1)
		go func(l NotifyListener) {
			defer n.wg.Done()
			if err := l.Notify(notification); err != nil {
				log.Errorf("Failed to send notification: %v", err)
			}
		}(l)
	}
}

// Wait blocks until every notification sent so far has been delivered.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

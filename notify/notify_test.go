package notify

import (
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"teamcam/cluster"
	"teamcam/store"
)

type recordingListener struct {
	mu  sync.Mutex
	got []*Notification
	err error
}

func (l *recordingListener) Notify(n *Notification) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.got = append(l.got, n)
	return l.err
}

func TestNotifierFansOut(t *testing.T) {
	a := &recordingListener{}
	b := &recordingListener{err: errors.New("push service down")}
	n := &Notifier{Listeners: []NotifyListener{a, b}, RunID: "run-7"}

	n.Trained([]cluster.Vector{{0}, {1}})
	n.Wait()

	for _, l := range []*recordingListener{a, b} {
		if len(l.got) != 1 {
			t.Fatalf("listener got %d notifications, want 1", len(l.got))
		}
		got := l.got[0]
		if got.Event != EventTrained || got.RunID != "run-7" || got.TimeString == "" {
			t.Errorf("notification = %+v", got)
		}
		if !strings.Contains(got.Message, "2 teams") {
			t.Errorf("message = %q, want it to mention 2 teams", got.Message)
		}
	}
}

func TestRunFinished(t *testing.T) {
	l := &recordingListener{}
	n := &Notifier{Listeners: []NotifyListener{l}}

	r := store.NewRun("classify")
	r.Frames, r.Players, r.Labeled = 30, 200, 180
	n.RunFinished(r)

	r2 := store.NewRun("train")
	r2.Error = "camera 3 frame 40: disk on fire"
	n.RunFinished(r2)
	n.Wait()

	if len(l.got) != 2 {
		t.Fatalf("got %d notifications, want 2", len(l.got))
	}
	byRun := map[string]*Notification{}
	for _, got := range l.got {
		byRun[got.RunID] = got
	}
	if got := byRun[r.ID]; got == nil || got.Event != EventFinished || !strings.Contains(got.Message, "180 of 200") {
		t.Errorf("finished notification = %+v", got)
	}
	if got := byRun[r2.ID]; got == nil || !strings.Contains(got.Message, "failed") {
		t.Errorf("failure notification = %+v", got)
	}
}

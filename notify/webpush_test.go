package notify

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"

	"teamcam/store"
)

type memSubscriptions struct {
	mu    sync.Mutex
	key   *store.VAPIDKey
	subs  []*store.PushSubscription
	saved int
}

func (m *memSubscriptions) VAPIDKey(generate func() (*store.VAPIDKey, error)) (*store.VAPIDKey, error) {
	if m.key == nil {
		k, err := generate()
		if err != nil {
			return nil, err
		}
		m.key = k
	}
	return m.key, nil
}

func (m *memSubscriptions) Subscribe(s *store.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, s)
	return nil
}

func (m *memSubscriptions) Unsubscribe(endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.Endpoint == endpoint {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return nil
		}
	}
	return errors.Wrap(store.ErrNotSubscribed, endpoint)
}

func (m *memSubscriptions) Subscriptions() ([]*store.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.PushSubscription(nil), m.subs...), nil
}

func (m *memSubscriptions) SavePushResult(s *store.PushSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved++
	return nil
}

// sentPush is one delivery captured by a fake Sender.
type sentPush struct {
	endpoint string
	payload  Payload
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentPush
	status map[string]int
}

func (f *fakeSender) send(payload []byte, s *webpush.Subscription, o *webpush.Options) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	f.sent = append(f.sent, sentPush{s.Endpoint, p})
	code := http.StatusCreated
	if c, ok := f.status[s.Endpoint]; ok {
		code = c
	}
	return &http.Response{StatusCode: code, Status: http.StatusText(code), Body: ioutil.NopCloser(strings.NewReader(""))}, nil
}

func (f *fakeSender) endpoints() map[string]Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := map[string]Payload{}
	for _, s := range f.sent {
		m[s.endpoint] = s.payload
	}
	return m
}

func newTestWebPush(t *testing.T) (*WebPush, *memSubscriptions, *fakeSender, http.Handler) {
	subs := &memSubscriptions{key: &store.VAPIDKey{Public: "pub", Private: "priv"}}
	p, err := NewWebPush(subs, "mailto:ops@example.com")
	if err != nil {
		t.Fatalf("NewWebPush() failed: %v", err)
	}
	fs := &fakeSender{status: map[string]int{}}
	p.Send = fs.send
	mux := http.NewServeMux()
	p.RegisterHandlers(mux)
	return p, subs, fs, mux
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", path, strings.NewReader(body)))
	return w
}

func subscribeBody(endpoint string, events []string, run string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"subscription": map[string]interface{}{
			"endpoint": endpoint,
			"keys":     map[string]string{"auth": "a", "p256dh": "k"},
		},
		"events": events,
		"run":    run,
	})
	return string(b)
}

func TestWebPushSubscribe(t *testing.T) {
	_, subs, _, h := newTestWebPush(t)

	if w := post(h, "/push_subscribe", subscribeBody("https://push/a", []string{EventFinished}, "run-1")); w.Code != http.StatusOK {
		t.Fatalf("subscribe = %d: %s", w.Code, w.Body)
	}
	if len(subs.subs) != 1 {
		t.Fatalf("%d subscriptions stored, want 1", len(subs.subs))
	}
	s := subs.subs[0]
	if s.Endpoint != "https://push/a" || s.Events != EventFinished || s.RunID != "run-1" || !strings.Contains(s.Subscription, "p256dh") {
		t.Errorf("stored subscription = %+v", s)
	}

	for name, body := range map[string]string{
		"unknown event": subscribeBody("https://push/b", []string{"goal"}, ""),
		"no endpoint":   subscribeBody("", nil, ""),
		"not json":      "{",
	} {
		if w := post(h, "/push_subscribe", body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: subscribe = %d, want %d", name, w.Code, http.StatusBadRequest)
		}
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/push_subscribe", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET subscribe = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/push_get_subscriptions", nil))
	if strings.Contains(w.Body.String(), "p256dh") {
		t.Errorf("subscription listing leaks keys: %s", w.Body)
	}

	if w := post(h, "/push_unsubscribe", `{"endpoint": "https://push/a"}`); w.Code != http.StatusOK {
		t.Errorf("unsubscribe = %d", w.Code)
	}
	if w := post(h, "/push_unsubscribe", `{"endpoint": "https://push/a"}`); w.Code != http.StatusNotFound {
		t.Errorf("second unsubscribe = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestWebPushFiltersEvents(t *testing.T) {
	p, subs, fs, h := newTestWebPush(t)
	post(h, "/push_subscribe", subscribeBody("https://push/all", nil, ""))
	post(h, "/push_subscribe", subscribeBody("https://push/trained", []string{EventTrained}, ""))
	post(h, "/push_subscribe", subscribeBody("https://push/run-2", nil, "run-2"))

	if err := p.Notify(&Notification{Event: EventFinished, RunID: "run-1", Message: "done"}); err != nil {
		t.Fatalf("Notify() failed: %v", err)
	}
	got := fs.endpoints()
	if len(got) != 1 {
		t.Fatalf("pushed to %v, want only https://push/all", got)
	}
	pl, ok := got["https://push/all"]
	if !ok || pl.Event != EventFinished || pl.Body != "done" || pl.URL != "/runs?run=run-1" {
		t.Errorf("payload = %+v", pl)
	}
	if subs.saved != 1 {
		t.Errorf("%d push results saved, want 1", subs.saved)
	}

	fs.sent = nil
	if w := post(h, "/push_test", ""); w.Code != http.StatusOK {
		t.Fatalf("push_test = %d", w.Code)
	}
	if n := len(fs.endpoints()); n != 3 {
		t.Errorf("test push reached %d subscribers, want 3", n)
	}
}

func TestWebPushDropsGoneSubscriptions(t *testing.T) {
	p, subs, fs, h := newTestWebPush(t)
	post(h, "/push_subscribe", subscribeBody("https://push/gone", nil, ""))
	post(h, "/push_subscribe", subscribeBody("https://push/ok", nil, ""))
	fs.status["https://push/gone"] = http.StatusGone

	p.Notify(&Notification{Event: EventTrained})
	left, _ := subs.Subscriptions()
	if len(left) != 1 || left[0].Endpoint != "https://push/ok" {
		t.Errorf("subscriptions after push = %+v", left)
	}
}

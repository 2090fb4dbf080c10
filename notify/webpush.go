package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"teamcam/store"
)

// Topic lets the push service collapse undelivered run updates.
const Topic = "teamcam_run_event"

// EventTest is sent by /push_test to every subscriber regardless of filters.
const EventTest = "test"

var knownEvents = map[string]bool{
	EventTrained:  true,
	EventFinished: true,
	EventTest:     true,
}

// Subscriptions persists the push key and subscribers. *store.DB implements it.
type Subscriptions interface {
	VAPIDKey(generate func() (*store.VAPIDKey, error)) (*store.VAPIDKey, error)
	Subscribe(s *store.PushSubscription) error
	Unsubscribe(endpoint string) error
	Subscriptions() ([]*store.PushSubscription, error)
	SavePushResult(s *store.PushSubscription) error
}

// Sender delivers one payload to one browser.
type Sender func(payload []byte, s *webpush.Subscription, o *webpush.Options) (*http.Response, error)

// WebPush forwards run notifications to subscribed browsers.
type WebPush struct {
	Key *store.VAPIDKey
	// Subscriber is the contact (mailto: or URL) sent to push services.
	Subscriber string
	Send       Sender

	subs Subscriptions
}

// Payload is the message handed to the browser's service worker.
type Payload struct {
	Title string
	Body  string
	Event string
	RunID string `json:",omitempty"`
	// URL of the run's assignments.
	URL  string `json:",omitempty"`
	Time string
}

func payloadOf(n *Notification) *Payload {
	p := &Payload{
		Title: "teamcam " + n.Event,
		Body:  n.Message,
		Event: n.Event,
		RunID: n.RunID,
		Time:  n.TimeString,
	}
	if n.RunID != "" {
		p.URL = "/runs?run=" + url.QueryEscape(n.RunID)
	}
	return p
}

func generateKey() (*store.VAPIDKey, error) {
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate VAPID keys")
	}
	log.Infof("Web push VAPID keys generated")
	return &store.VAPIDKey{Public: pub, Private: priv}, nil
}

func NewWebPush(subs Subscriptions, subscriber string) (*WebPush, error) {
	k, err := subs.VAPIDKey(generateKey)
	if err != nil {
		return nil, err
	}
	return &WebPush{
		Key:        k,
		Subscriber: subscriber,
		Send:       webpush.SendNotification,
		subs:       subs,
	}, nil
}

func (p *WebPush) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/push_get_pubkey", p.handleGetPubkey)
	mux.HandleFunc("/push_get_subscriptions", p.handleGetSubscriptions)
	mux.HandleFunc("/push_subscribe", p.handleSubscribe)
	mux.HandleFunc("/push_unsubscribe", p.handleUnsubscribe)

	// Manually test web push notifications by triggering a fake event.
	mux.HandleFunc("/push_test", p.handleTest)
}

func (p *WebPush) handleGetPubkey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, p.Key.Public)
}

// subscribeRequest is posted by the browser. Events and Run narrow what it
// receives.
type subscribeRequest struct {
	Subscription webpush.Subscription `json:"subscription"`
	Events       []string             `json:"events"`
	Run          string               `json:"run"`
}

func decodePost(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != "POST" {
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (p *WebPush) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	req := &subscribeRequest{}
	if !decodePost(w, r, req) {
		return
	}
	if req.Subscription.Endpoint == "" {
		http.Error(w, "subscription endpoint is required", http.StatusBadRequest)
		return
	}
	for _, e := range req.Events {
		if !knownEvents[e] {
			http.Error(w, "unknown event "+e, http.StatusBadRequest)
			return
		}
	}

	jb, _ := json.Marshal(&req.Subscription)
	s := &store.PushSubscription{
		Peer:         r.RemoteAddr,
		Endpoint:     req.Subscription.Endpoint,
		Subscription: string(jb),
		Events:       strings.Join(req.Events, ","),
		RunID:        req.Run,
	}
	if err := p.subs.Subscribe(s); err != nil {
		log.Errorf("Failed to create push subscription: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Infof("Added push subscription for peer %v (events %q, run %q)", s.Peer, s.Events, s.RunID)
}

func (p *WebPush) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	sub := &webpush.Subscription{}
	if !decodePost(w, r, sub) {
		return
	}
	if err := p.subs.Unsubscribe(sub.Endpoint); err != nil {
		if errors.Is(err, store.ErrNotSubscribed) {
			http.Error(w, "subscription not found", http.StatusNotFound)
			return
		}
		log.Errorf("Failed to delete push subscription: %v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Infof("Removed push subscription for peer %v", r.RemoteAddr)
}

func (p *WebPush) handleGetSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := p.subs.Subscriptions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Key material stays out of the listing; the field is tagged json:"-".
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(subs); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (p *WebPush) handleTest(w http.ResponseWriter, r *http.Request) {
	n := &Notification{
		Event:      EventTest,
		TimeString: time.Now().Format("3:04 PM"),
		Message:    "Test notification",
	}
	if err := p.Notify(n); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (p *WebPush) notifyOne(s *store.PushSubscription, payload []byte) error {
	var ws webpush.Subscription
	if err := json.Unmarshal([]byte(s.Subscription), &ws); err != nil {
		return errors.Wrapf(err, "subscription %v", s.Endpoint)
	}

	resp, err := p.Send(payload, &ws, &webpush.Options{
		Subscriber:      p.Subscriber,
		VAPIDPublicKey:  p.Key.Public,
		VAPIDPrivateKey: p.Key.Private,
		TTL:             120,
		Urgency:         webpush.UrgencyNormal,
		Topic:           Topic,
	})
	if resp != nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			log.Infof("Push service reports status %v, dropping subscription of %v", resp.Status, s.Peer)
			return p.subs.Unsubscribe(s.Endpoint)
		}
	}

	now := time.Now()
	if err != nil {
		log.Warnf("Web push to %v failed: %v", s.Peer, err)
		s.LastFailure = &now
		s.LastFailureMessage = err.Error()
	} else {
		s.LastSuccess = &now
	}
	return p.subs.SavePushResult(s)
}

// Notify pushes n to every subscriber that wants its event and run.
func (p *WebPush) Notify(n *Notification) error {
	payload, err := json.Marshal(payloadOf(n))
	if err != nil {
		return err
	}
	all, err := p.subs.Subscriptions()
	if err != nil {
		return errors.Wrap(err, "failed to list push subscriptions")
	}
	var subs []*store.PushSubscription
	for _, s := range all {
		if n.Event == EventTest || s.Wants(n.Event, n.RunID) {
			subs = append(subs, s)
		}
	}

	log.Infof("Sending %s web push to %d of %d subscribers", n.Event, len(subs), len(all))
	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s *store.PushSubscription) {
			defer wg.Done()
			if err := p.notifyOne(s, payload); err != nil {
				log.Errorf("Web push notify failed: %v", err)
			}
		}(s)
	}
	wg.Wait()
	return nil
}

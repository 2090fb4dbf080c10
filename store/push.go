package store

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ErrNotSubscribed is returned when removing an unknown push endpoint.
var ErrNotSubscribed = errors.New("push endpoint not subscribed")

// VAPIDKey identifies this server to web push services.
type VAPIDKey struct {
	ID      uint `gorm:"primaryKey"`
	Public  string
	Private string
}

// PushSubscription is a browser subscribed to run events.
type PushSubscription struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	Peer     string
	Endpoint string `gorm:"uniqueIndex;size:512"`
	// Subscription is the browser's JSON subscription, including its keys.
	Subscription string `json:"-"`

	// Events is a comma separated list of wanted events. Empty means all.
	Events string
	// RunID limits the subscription to one run. Empty means every run.
	RunID string `gorm:"size:36"`

	LastSuccess        *time.Time
	LastFailure        *time.Time
	LastFailureMessage string
}

// Wants reports whether the subscriber asked for event of run.
func (s *PushSubscription) Wants(event, runID string) bool {
	if s.RunID != "" && s.RunID != runID {
		return false
	}
	if s.Events == "" {
		return true
	}
	for _, e := range strings.Split(s.Events, ",") {
		if strings.TrimSpace(e) == event {
			return true
		}
	}
	return false
}

// VAPIDKey loads the server key, calling generate to create it on first use.
func (d *DB) VAPIDKey(generate func() (*VAPIDKey, error)) (*VAPIDKey, error) {
	k := &VAPIDKey{}
	err := d.db.First(k).Error
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "failed to load VAPID key")
	}
	if k, err = generate(); err != nil {
		return nil, err
	}
	if err := d.db.Create(k).Error; err != nil {
		return nil, errors.Wrap(err, "failed to store VAPID key")
	}
	return k, nil
}

// Subscribe adds s, replacing an earlier subscription of the same endpoint.
func (d *DB) Subscribe(s *PushSubscription) error {
	if err := d.db.Where("endpoint = ?", s.Endpoint).Delete(&PushSubscription{}).Error; err != nil {
		return err
	}
	return d.db.Create(s).Error
}

func (d *DB) Unsubscribe(endpoint string) error {
	res := d.db.Where("endpoint = ?", endpoint).Delete(&PushSubscription{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(ErrNotSubscribed, endpoint)
	}
	return nil
}

func (d *DB) Subscriptions() ([]*PushSubscription, error) {
	var subs []*PushSubscription
	err := d.db.Order("id").Find(&subs).Error
	return subs, err
}

// SavePushResult records the outcome of the latest push to s.
func (d *DB) SavePushResult(s *PushSubscription) error {
	return d.db.Save(s).Error
}

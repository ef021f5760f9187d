// Package replay implements the CometD/Salesforce replay extension. The
// extension remembers the last event id seen on each channel and asks the
// server to resume from it when the channel is subscribed again, for example
// after a re-handshake.
package replay

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fayeclient/bayeux"
)

const (
	// ExtensionName is the ext key used by servers that support replay
	ExtensionName string = "replay"
	eventKey      string = "event"
	replayIDKey   string = "replayId"

	// NewEvents asks the server for events published after the subscribe
	NewEvents int64 = -1
	// AllEvents asks the server for every event it still retains
	AllEvents int64 = -2
)

// IDStorer stores the last replay id seen per channel
type IDStorer interface {
	Set(channel bayeux.Channel, replayID int64) error
	Get(channel bayeux.Channel) (int64, bool, error)
	Delete(channel bayeux.Channel) error
	All() (map[bayeux.Channel]int64, error)
}

// Extension implements bayeux.MessageExtender
type Extension struct {
	supported atomic.Bool
	store     IDStorer
	fallback  *int64
	onError   func(error)
}

// Option configures an Extension
type Option func(*Extension)

// WithDefaultReplayID requests id for subscribed channels the store has no
// entry for. Without it those channels are left out of the replay map and
// the server applies its own default.
func WithDefaultReplayID(id int64) Option {
	return func(e *Extension) {
		e.fallback = &id
	}
}

// WithErrorHandler receives errors from the store. Messages still flow when
// the store fails.
func WithErrorHandler(fn func(error)) Option {
	return func(e *Extension) {
		e.onError = fn
	}
}

// New creates an Extension backed by store
func New(store IDStorer, opts ...Option) *Extension {
	e := &Extension{store: store, onError: func(error) {}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Supported reports whether the server acknowledged the extension in its
// handshake reply
func (e *Extension) Supported() bool {
	return e.supported.Load()
}

// Outgoing advertises the extension on handshakes and attaches replay ids
// to subscribe requests
func (e *Extension) Outgoing(ms *bayeux.Message) {
	switch ms.Channel {
	case bayeux.MetaHandshake:
		ms.GetExt(true)[ExtensionName] = true
	case bayeux.MetaSubscribe:
		if !e.Supported() {
			return
		}
		ids := e.replayIDs(ms.Subscription)
		if len(ids) > 0 {
			ms.GetExt(true)[ExtensionName] = ids
		}
	}
}

// Incoming records server support and the replay id of every delivery
func (e *Extension) Incoming(ms *bayeux.Message) {
	switch ms.Channel.Type() {
	case bayeux.MetaChannel:
		switch ms.Channel {
		case bayeux.MetaHandshake:
			if !ms.IsSuccessful() {
				return
			}
			ext := ms.GetExt(false)
			isSupported, _ := ext[ExtensionName].(bool)
			e.supported.Store(isSupported)
		case bayeux.MetaUnsubscribe:
			if !ms.IsSuccessful() {
				return
			}
			for _, channel := range ms.Subscription {
				e.report(e.store.Delete(channel))
			}
		}
	case bayeux.BroadcastChannel:
		if id, ok := replayID(ms.Data); ok {
			e.report(e.store.Set(ms.Channel, id))
		}
	}
}

func (e *Extension) replayIDs(channels bayeux.Subscriptions) map[string]int64 {
	ids := make(map[string]int64, len(channels))
	for _, channel := range channels {
		id, ok, err := e.store.Get(channel)
		if err != nil {
			e.report(err)
		}
		switch {
		case ok:
			ids[string(channel)] = id
		case e.fallback != nil:
			ids[string(channel)] = *e.fallback
		}
	}
	return ids
}

func (e *Extension) report(err error) {
	if err != nil {
		e.onError(err)
	}
}

// replayID reads data.event.replayId. The id is parsed from its JSON text
// so ids past 2^53 keep every digit.
func replayID(data json.RawMessage) (int64, bool) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, false
	}
	var event map[string]json.RawMessage
	if err := json.Unmarshal(payload[eventKey], &event); err != nil {
		return 0, false
	}
	raw, ok := event[replayIDKey]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// MapStorage implements IDStorer in memory
type MapStorage struct {
	store map[bayeux.Channel]int64
	lock  sync.RWMutex
}

// NewMapStorage creates an empty MapStorage
func NewMapStorage() *MapStorage {
	return &MapStorage{store: make(map[bayeux.Channel]int64)}
}

// Set implements IDStorer
func (s *MapStorage) Set(channel bayeux.Channel, replayID int64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.store[channel] = replayID
	return nil
}

// Get implements IDStorer
func (s *MapStorage) Get(channel bayeux.Channel) (int64, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	replayID, ok := s.store[channel]
	return replayID, ok, nil
}

// Delete implements IDStorer
func (s *MapStorage) Delete(channel bayeux.Channel) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.store, channel)
	return nil
}

// All implements IDStorer
func (s *MapStorage) All() (map[bayeux.Channel]int64, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	all := make(map[bayeux.Channel]int64, len(s.store))
	for k, v := range s.store {
		all[k] = v
	}
	return all, nil
}

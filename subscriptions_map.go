package bayeux

import (
	"fmt"
	"sort"
	"sync"
)

// subscriptionsMap keeps track of the subscriptions a server has confirmed,
// optionally with a channel deliveries for that subscription go to
type subscriptionsMap struct {
	lock sync.RWMutex
	subs map[Channel]chan<- Message
}

func newSubscriptionsMap() *subscriptionsMap {
	return &subscriptionsMap{subs: make(map[Channel]chan<- Message)}
}

func (sm *subscriptionsMap) Add(channel Channel, ms chan<- Message) error {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	if _, ok := sm.subs[channel]; !ok {
		sm.subs[channel] = ms
		return nil
	}
	return fmt.Errorf("channel '%s' already subscribed", channel)
}

func (sm *subscriptionsMap) Remove(channel Channel) {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	delete(sm.subs, channel)
}

func (sm *subscriptionsMap) Has(channel Channel) bool {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	_, ok := sm.subs[channel]
	return ok
}

// Matching returns the receivers of every subscription whose pattern
// matches channel
func (sm *subscriptionsMap) Matching(channel Channel) []chan<- Message {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	var receivers []chan<- Message
	for pattern, ms := range sm.subs {
		if ms != nil && pattern.Match(channel) {
			receivers = append(receivers, ms)
		}
	}
	return receivers
}

// Channels returns the subscribed channels in a stable order
func (sm *subscriptionsMap) Channels() []Channel {
	sm.lock.RLock()
	defer sm.lock.RUnlock()
	channels := make([]Channel, 0, len(sm.subs))
	for c := range sm.subs {
		channels = append(channels, c)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return channels
}

func (sm *subscriptionsMap) Clear() {
	sm.lock.Lock()
	defer sm.lock.Unlock()
	sm.subs = make(map[Channel]chan<- Message)
}

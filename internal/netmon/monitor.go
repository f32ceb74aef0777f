// Package netmon tracks whether the remote API is reachable and notifies subscribers
// when that changes.
package netmon

import (
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Event is a connectivity transition.
type Event int

const (
	BecameOffline Event = iota
	BecameOnline
)

func (e Event) String() string {
	if e == BecameOnline {
		return "became-online"
	}
	return "became-offline"
}

// Monitor holds the current reachability state. Set never emits the same transition twice in a row.
type Monitor struct {
	emit   sync.Mutex // orders deliveries; subscribers must not call Set
	mu     sync.Mutex
	online bool
	subs   map[int]func(Event)
	nextID int
	log    *zap.Logger
}

// New returns a monitor starting in the given state.
func New(online bool, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{online: online, subs: map[int]func(Event){}, log: log}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the platform signal. Subscribers are called synchronously, in subscription
// order, only when the state actually flips.
func (m *Monitor) Set(online bool) {
	m.emit.Lock()
	defer m.emit.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	ev := BecameOffline
	if online {
		ev = BecameOnline
	}
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	subs := make([]func(Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		subs = append(subs, m.subs[id])
	}
	m.mu.Unlock()

	m.log.Info("connectivity changed", zap.Stringer("event", ev))
	for _, fn := range subs {
		fn(ev)
	}
}

// Subscribe registers fn for future transitions and returns a func that removes it.
func (m *Monitor) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

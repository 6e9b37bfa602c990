// Package registry holds the live set of subscribers for each channel
package registry

import (
	"errors"
	"sort"
	"sync"
)

// ErrAlreadyJoined is returned when a subscriber joins a second channel
// without leaving the first
var ErrAlreadyJoined = errors.New("subscriber already joined to another channel")

// ErrNoID is returned when a subscriber has an empty ID
var ErrNoID = errors.New("subscriber has no id")

// Subscriber is one live viewer. The registry holds a reference for
// delivery only; closing the underlying connection is up to the owner.
type Subscriber interface {
	// ID is unique for the lifetime of the process
	ID() string
	// Send delivers one binary message
	Send(data []byte) error
}

// group is the subscriber set for one channel
type group struct {
	mu      sync.RWMutex
	members map[string]Subscriber
}

// Registry maps channel to subscribers. Locks are held per channel so that
// membership changes on one channel do not contend with another.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*group

	// membership maps subscriber ID to the channel it joined
	membership sync.Map
}

// New returns an empty Registry
func New() *Registry {
	return &Registry{
		groups: make(map[string]*group),
	}
}

// getGroup returns the group for channel, optionally creating it
func (r *Registry) getGroup(channel string, create bool) *group {

	r.mu.RLock()
	g, ok := r.groups[channel]
	r.mu.RUnlock()

	if ok || !create {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// may have been created while we waited for the lock
	if g, ok = r.groups[channel]; ok {
		return g
	}

	g = &group{members: make(map[string]Subscriber)}
	r.groups[channel] = g

	return g
}

// Join adds sub to channel. Joining the same channel twice is a no-op.
func (r *Registry) Join(channel string, sub Subscriber) error {

	id := sub.ID()

	if id == "" {
		return ErrNoID
	}

	if current, loaded := r.membership.LoadOrStore(id, channel); loaded && current.(string) != channel {
		return ErrAlreadyJoined
	}

	g := r.getGroup(channel, true)

	g.mu.Lock()
	g.members[id] = sub
	g.mu.Unlock()

	return nil
}

// Leave removes sub from channel if present. It never fails.
func (r *Registry) Leave(channel string, sub Subscriber) {

	id := sub.ID()

	g := r.getGroup(channel, false)

	if g != nil {
		g.mu.Lock()
		delete(g.members, id)
		g.mu.Unlock()
	}

	r.membership.CompareAndDelete(id, channel)
}

// Snapshot returns a copy of the subscribers on channel at this instant.
// The copy is not affected by later joins or leaves.
func (r *Registry) Snapshot(channel string) []Subscriber {

	g := r.getGroup(channel, false)

	if g == nil {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	s := make([]Subscriber, 0, len(g.members))

	for _, sub := range g.members {
		s = append(s, sub)
	}

	return s
}

// Count returns the number of subscribers on channel
func (r *Registry) Count(channel string) int {

	g := r.getGroup(channel, false)

	if g == nil {
		return 0
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.members)
}

// Channels returns the sorted list of channels that have ever had a subscriber
func (r *Registry) Channels() []string {

	r.mu.RLock()
	defer r.mu.RUnlock()

	c := make([]string, 0, len(r.groups))

	for k := range r.groups {
		c = append(c, k)
	}

	sort.Strings(c)

	return c
}

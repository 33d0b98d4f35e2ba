// Package notify fans sync status changes out to subscribers.
package notify

import (
	"fmt"
	"sync"

	"github.com/fleetops/fieldsync/internal/logging"
)

// State is the sync engine's lifecycle state.
type State string

const (
	StateOffline State = "offline"
	StateSyncing State = "syncing"
	StateSynced  State = "synced"
	StateError   State = "error"
)

// Status is delivered to subscribers on every state change.
type Status struct {
	Status  State
	Message string
	Error   error
}

// Notifier delivers Status values to subscribers synchronously, in subscription order.
type Notifier struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id int
	fn func(Status)
}

// New creates a Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn func(Status)) (unsubscribe func()) {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscription{id: id, fn: fn})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

func (n *Notifier) remove(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s.id == id {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of subscribers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Publish calls every subscriber with s. A panicking subscriber is logged and skipped.
func (n *Notifier) Publish(s Status) {
	n.mu.RLock()
	subs := make([]subscription, len(n.subs))
	copy(subs, n.subs)
	n.mu.RUnlock()

	for _, sub := range subs {
		n.deliver(sub, s)
	}
}

func (n *Notifier) deliver(sub subscription, s Status) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("sync status subscriber panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"subscriber": sub.id,
				"status":     s.Status,
			})
		}
	}()
	sub.fn(s)
}

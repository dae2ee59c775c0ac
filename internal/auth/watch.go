package auth

import (
	"log"
	"sync"
)

// StateChange is one transition on the auth state stream.
type StateChange struct {
	UserID   string
	SignedIn bool
}

// watchHub fans auth state transitions out to registered watchers.
type watchHub struct {
	mu       sync.Mutex
	watchers []chan StateChange
}

func newWatchHub() *watchHub {
	return &watchHub{}
}

func (h *watchHub) register() <-chan StateChange {
	ch := make(chan StateChange, 16)
	h.mu.Lock()
	h.watchers = append(h.watchers, ch)
	h.mu.Unlock()
	return ch
}

func (h *watchHub) announce(change StateChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.watchers {
		select {
		case ch <- change:
		default:
			log.Printf("auth: state watcher full, dropping event for user %s", change.UserID)
		}
	}
}

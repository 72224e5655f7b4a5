package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// HotSet is the in-process view of timers inside the activation window. It
// holds copies of pending rows; evicting an entry loses nothing durable. The
// refresh loader replaces it wholesale, the fire scanner reads and removes.
// The lock is never held across I/O.
type HotSet struct {
	mu     sync.RWMutex
	timers map[uuid.UUID]Timer
}

func NewHotSet() *HotSet {
	return &HotSet{timers: make(map[uuid.UUID]Timer)}
}

// Replace swaps the entire contents for a fresh snapshot. Full replacement
// means timers canceled, completed, or edited out of the window disappear
// within one refresh period with no cache-invalidation protocol.
func (hs *HotSet) Replace(timers []Timer) {
	fresh := make(map[uuid.UUID]Timer, len(timers))
	for _, timer := range timers {
		fresh[timer.ID] = timer
	}
	hs.mu.Lock()
	hs.timers = fresh
	hs.mu.Unlock()
}

// Due returns copies of all entries with execute_at <= now.
func (hs *HotSet) Due(now time.Time) []Timer {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	var due []Timer
	for _, timer := range hs.timers {
		if timer.Due(now) {
			due = append(due, timer)
		}
	}
	return due
}

func (hs *HotSet) Remove(id uuid.UUID) {
	hs.mu.Lock()
	delete(hs.timers, id)
	hs.mu.Unlock()
}

func (hs *HotSet) Len() int {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return len(hs.timers)
}

package memory

import (
	"context"
	"sync"
	"time"
)

const (
	// InboxTTL matches the expiry of the mongo inbox.
	InboxTTL = 7 * 24 * time.Hour
	// InboxCapacity bounds the ids kept regardless of age.
	InboxCapacity = 100_000
)

type inboxEntry struct {
	id string
	at time.Time
}

// Inbox remembers consumed event ids for InboxTTL, oldest evicted first.
type Inbox struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu    sync.Mutex
	seen  map[string]struct{}
	order []inboxEntry
	head  int
}

func NewInbox() *Inbox {
	return NewInboxWith(InboxTTL, InboxCapacity, time.Now)
}

// NewInboxWith sets the retention window, the size bound and the clock.
func NewInboxWith(ttl time.Duration, capacity int, now func() time.Time) *Inbox {
	if now == nil {
		now = time.Now
	}
	return &Inbox{ttl: ttl, capacity: capacity, now: now, seen: make(map[string]struct{})}
}

// Seen records eventID and reports whether it had been recorded before.
func (i *Inbox) Seen(ctx context.Context, eventID string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	i.evict(now)
	if _, ok := i.seen[eventID]; ok {
		return true, nil
	}
	i.seen[eventID] = struct{}{}
	i.order = append(i.order, inboxEntry{id: eventID, at: now})
	return false, nil
}

// Len reports how many ids are retained.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.seen)
}

// evict drops expired ids and, when full, the oldest ones. order is append-only
// in time order, so both live at its front.
func (i *Inbox) evict(now time.Time) {
	for i.head < len(i.order) {
		oldest := i.order[i.head]
		expired := i.ttl > 0 && now.Sub(oldest.at) >= i.ttl
		full := i.capacity > 0 && len(i.order)-i.head >= i.capacity
		if !expired && !full {
			break
		}
		delete(i.seen, oldest.id)
		i.head++
	}
	if i.head > 0 && i.head*2 >= len(i.order) {
		i.order = append(i.order[:0:0], i.order[i.head:]...)
		i.head = 0
	}
}

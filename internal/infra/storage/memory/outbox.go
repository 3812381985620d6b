package memory

import (
	"context"
	"sync"
	"time"

	appoutbox "marketchat/internal/app/outbox"
	infraoutbox "marketchat/internal/infra/outbox"
)

// Outbox keeps pending events in memory and serves them to the outbox worker.
type Outbox struct {
	mu      sync.Mutex
	records map[string]*infraoutbox.EventDocument
	now     func() time.Time
}

func NewOutbox() *Outbox {
	return &Outbox{records: make(map[string]*infraoutbox.EventDocument), now: time.Now}
}

func (o *Outbox) Add(ctx context.Context, record appoutbox.EventRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now().UTC()
	o.records[record.ID] = &infraoutbox.EventDocument{
		ID:          record.ID,
		Name:        record.Name,
		Payload:     record.Payload,
		OccurredAt:  record.OccurredAt,
		Aggregate:   record.Aggregate,
		Headers:     record.Headers,
		State:       infraoutbox.StateNew,
		NextAttempt: now,
		CreatedAt:   now,
	}
	return nil
}

// Claim hands out the oldest due record that is new or failed.
func (o *Outbox) Claim(ctx context.Context, workerID string) (*infraoutbox.EventDocument, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now().UTC()
	var doc *infraoutbox.EventDocument
	for _, cand := range o.records {
		if cand.State != infraoutbox.StateNew && cand.State != infraoutbox.StateFailed || cand.NextAttempt.After(now) {
			continue
		}
		if doc == nil || cand.CreatedAt.Before(doc.CreatedAt) {
			doc = cand
		}
	}
	if doc == nil {
		return nil, nil
	}
	doc.State = infraoutbox.StateClaimed
	doc.ClaimedBy = workerID
	doc.ClaimedAt = now
	out := *doc
	return &out, nil
}

// MarkSent forgets the record; only unsent events are kept.
func (o *Outbox) MarkSent(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.records, id)
	return nil
}

func (o *Outbox) MarkFailed(ctx context.Context, id string, next time.Time, errMsg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if doc, ok := o.records[id]; ok {
		doc.State = infraoutbox.StateFailed
		doc.NextAttempt = next
		doc.LastError = errMsg
		doc.Attempts++
	}
	return nil
}

// Pending counts records not yet sent.
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.records)
}

var (
	_ appoutbox.Outbox  = (*Outbox)(nil)
	_ infraoutbox.Queue = (*Outbox)(nil)
)

package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/domain/chat"
)

// HeaderOrigin names the instance that recorded an event; relays skip their own.
const HeaderOrigin = "origin"

type EventRecord struct {
	ID         string
	Name       string
	Payload    []byte
	OccurredAt time.Time
	Aggregate  string
	Headers    map[string]string
}

type Outbox interface {
	Add(ctx context.Context, record EventRecord) error
}

type EventEncoder interface {
	Encode(ev chat.Event) (EventRecord, error)
}

// JSONEventEncoder marshals events as JSON and stamps the origin header.
type JSONEventEncoder struct {
	Origin      string
	IDGenerator func() string
}

func (e JSONEventEncoder) Encode(ev chat.Event) (EventRecord, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return EventRecord{}, err
	}
	idGen := e.IDGenerator
	if idGen == nil {
		idGen = uuid.NewString
	}
	headers := map[string]string{}
	if e.Origin != "" {
		headers[HeaderOrigin] = e.Origin
	}
	return EventRecord{
		ID:         idGen(),
		Name:       ev.EventName(),
		Payload:    payload,
		OccurredAt: ev.OccurredAt(),
		Aggregate:  ev.AggregateID(),
		Headers:    headers,
	}, nil
}

func RecordEvents(ctx context.Context, box Outbox, encoder EventEncoder, evs ...chat.Event) error {
	if box == nil || len(evs) == 0 {
		return nil
	}
	if encoder == nil {
		encoder = JSONEventEncoder{}
	}
	for _, ev := range evs {
		rec, err := encoder.Encode(ev)
		if err != nil {
			return err
		}
		if err := box.Add(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

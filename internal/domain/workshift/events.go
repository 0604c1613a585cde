package workshift

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/workshift/internal/platform/events"
)

// EventKind names a committed change on the wire.
type EventKind string

const (
	EventCreated     EventKind = "workshift-created"
	EventUpdated     EventKind = "workshift-updated"
	EventDeleted     EventKind = "workshift-deleted"
	EventBulkCreated EventKind = "workshifts-many"
)

var routingKeys = map[EventKind]string{
	EventCreated:     "workshift.created",
	EventUpdated:     "workshift.updated",
	EventDeleted:     "workshift.deleted",
	EventBulkCreated: "workshift.bulk-created",
}

// Notifier accepts committed changes for asynchronous propagation. Notify
// must not block; it reports false when the change was dropped.
type Notifier interface {
	Notify(m events.Message) bool
}

type deletedRef struct {
	ID uuid.UUID `json:"_id"`
}

type envelope struct {
	Event      EventKind    `json:"event"`
	Workshift  interface{}  `json:"workshift,omitempty"`
	Workshifts []*Workshift `json:"workshifts,omitempty"`
}

// Event is one committed change.
type Event struct {
	Kind       EventKind
	Workshift  *Workshift
	Workshifts []*Workshift
}

// Message serializes e. A deletion carries only the record's _id.
func (e Event) Message() (events.Message, error) {
	env := envelope{Event: e.Kind}
	switch e.Kind {
	case EventCreated, EventUpdated:
		env.Workshift = e.Workshift
	case EventDeleted:
		env.Workshift = deletedRef{ID: e.Workshift.ID}
	case EventBulkCreated:
		env.Workshifts = e.Workshifts
	default:
		return events.Message{}, fmt.Errorf("unknown event kind %q", e.Kind)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return events.Message{}, fmt.Errorf("marshal %s event: %w", e.Kind, err)
	}
	return events.Message{Kind: string(e.Kind), RoutingKey: routingKeys[e.Kind], Body: body}, nil
}

type discardNotifier struct{}

func (discardNotifier) Notify(events.Message) bool { return true }

// Package events carries committed workshift changes to their consumers.
//
// Producers hand a Message to a Dispatcher, which queues it and delivers it to
// every registered Sink from a single worker goroutine. Delivery is
// at-most-once: a full queue drops the message and a failed sink is logged,
// never retried.
package events

import "time"

// Message is one serialized change notification.
type Message struct {
	// Kind is the event name, e.g. "workshift-created".
	Kind string
	// RoutingKey addresses the message on a topic exchange.
	RoutingKey string
	// Body is the JSON payload.
	Body []byte
	Time time.Time
}

// Package events carries lifecycle and registration changes of the cellular
// device to observers: an in-process Hub for live streams and an optional
// NATS publisher.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event.
type Kind string

const (
	// KindState is emitted on every lifecycle state transition.
	KindState Kind = "state"
	// KindRegistration is emitted when the fused registration changes.
	KindRegistration Kind = "registration"
	// KindRecovery is emitted when recovery starts, succeeds or gives up.
	KindRecovery Kind = "recovery"
)

// Event is a single observation of the device.
type Event struct {
	ID      uuid.UUID `json:"id"`
	Session uuid.UUID `json:"session"`
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`

	State    string `json:"state,omitempty"`
	Previous string `json:"previous,omitempty"`
	// Detail carries kind specific data, e.g. the fused registration.
	Detail any    `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// New returns an event stamped with a fresh id and the current time.
func New(session uuid.UUID, kind Kind) Event {
	return Event{
		ID:      uuid.New(),
		Session: session,
		Kind:    kind,
		Time:    time.Now().UTC(),
	}
}

// Publisher receives events. Implementations must not block the caller for
// long; the device publishes from its own goroutines.
type Publisher interface {
	Publish(Event)
}

// Multi fans an event out to several publishers.
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}

package interfaces

import "chatline/pkg/types"

// Connection is a live client channel as seen by the delivery core.
type Connection interface {
	// ID is the opaque connection handle stored in presence records.
	ID() string

	// Send enqueues an event without blocking. A closed or saturated
	// connection returns an error that callers are free to ignore.
	Send(ev types.Event) error

	Close() error
}

// Broadcaster fans an event out to every live connection.
type Broadcaster interface {
	Broadcast(ev types.Event)
}

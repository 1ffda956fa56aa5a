// Package messagequeue defines the message queue port used to announce
// terminal task records to downstream consumers.
package messagequeue

import "context"

// Handler processes one received message.
type Handler func(subject string, data []byte) error

// Queue is the port interface for the message bus.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject and
	// returns a stop function.
	Subscribe(ctx context.Context, subject string, handler Handler) (func(), error)

	// Close shuts down the connection.
	Close() error
}

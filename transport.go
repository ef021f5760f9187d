package bayeux

import "context"

// Transport opens connections to a Bayeux server for one connection type
type Transport interface {
	// ConnectionType is the name advertised in supportedConnectionTypes and
	// sent as connectionType, e.g. "websocket" or "long-polling"
	ConnectionType() string

	// Open establishes a new connection to endpoint
	Open(ctx context.Context, endpoint string) (Connection, error)
}

// Connection is a single open, message-oriented link to a Bayeux server.
//
// Receive is only ever called by one goroutine at a time. Close must be safe
// to call concurrently with Receive and more than once; once it has been
// called, Send and Receive return ErrConnectionClosed.
type Connection interface {
	Send(ctx context.Context, m Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

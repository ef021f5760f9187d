package bayeux

// MessageExtender defines the interface that extensions are expected to
// implement. Outgoing runs on every message just before it is sent and
// Incoming on every message just after it is received, before the engine
// looks at it.
type MessageExtender interface {
	Outgoing(*Message)
	Incoming(*Message)
}

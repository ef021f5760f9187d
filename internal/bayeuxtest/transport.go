package bayeuxtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/fayeclient/bayeux"
)

// Transport opens in-memory connections to the Server
type Transport struct {
	server *Server
}

// Transport returns a bayeux.Transport backed by s
func (s *Server) Transport() *Transport {
	return &Transport{server: s}
}

// ConnectionType reports the connection type configured on the server
func (t *Transport) ConnectionType() string {
	return t.server.connectionType
}

// Open opens a fresh connection. It fails when the server is stopped.
func (t *Transport) Open(ctx context.Context, endpoint string) (bayeux.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := t.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, ErrNotRunning
	}
	if s.openError != nil {
		return nil, s.openError
	}

	s.opens++
	c := &connection{
		server: s,
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	s.conns = append(s.conns, c)
	return c, nil
}

type connection struct {
	server *Server

	lock  sync.Mutex
	queue []bayeux.Message
	ready chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// Send hands m to the server after a trip through the JSON codec, so the
// server sees exactly what would go over the wire
func (c *connection) Send(ctx context.Context, m bayeux.Message) error {
	select {
	case <-c.closed:
		return bayeux.ErrConnectionClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wire, err := reencode(m)
	if err != nil {
		return err
	}

	s := c.server
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if err, ok := s.sendErrors[m.Channel]; ok {
		s.received = append(s.received, wire)
		s.mu.Unlock()
		return err
	}
	replies := s.handle(wire)
	s.mu.Unlock()

	encoded := make([]bayeux.Message, 0, len(replies))
	for _, r := range replies {
		r, err := reencode(r)
		if err != nil {
			return err
		}
		encoded = append(encoded, r)
	}

	c.lock.Lock()
	c.queue = append(c.queue, encoded...)
	c.lock.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns the next queued reply, waiting for one if necessary
func (c *connection) Receive(ctx context.Context) (bayeux.Message, error) {
	for {
		c.lock.Lock()
		if len(c.queue) > 0 {
			m := c.queue[0]
			c.queue = c.queue[1:]
			c.lock.Unlock()
			return m, nil
		}
		c.lock.Unlock()

		select {
		case <-ctx.Done():
			return bayeux.Message{}, ctx.Err()
		case <-c.closed:
			return bayeux.Message{}, bayeux.ErrConnectionClosed
		case <-c.ready:
		}
	}
}

func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	return nil
}

func reencode(m bayeux.Message) (bayeux.Message, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return bayeux.Message{}, err
	}
	var out bayeux.Message
	err = json.Unmarshal(b, &out)
	return out, err
}

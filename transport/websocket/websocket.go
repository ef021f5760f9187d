// Package websocket implements the Bayeux websocket connection type. Each
// text frame carries a JSON array of messages.
package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	ws "github.com/coder/websocket"

	"github.com/fayeclient/bayeux"
)

// Transport dials websocket connections
type Transport struct {
	options   ws.DialOptions
	readLimit int64
}

// Option configures a Transport
type Option func(*Transport)

// WithHTTPClient sets the client used for the opening handshake
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.options.HTTPClient = client
	}
}

// WithHeader adds headers to the opening handshake
func WithHeader(header http.Header) Option {
	return func(t *Transport) {
		t.options.HTTPHeader = header
	}
}

// WithReadLimit caps the size of a single frame. Batches of deliveries can
// be large; the library default is 32KiB.
func WithReadLimit(n int64) Option {
	return func(t *Transport) {
		t.readLimit = n
	}
}

// New creates a websocket Transport
func New(opts ...Option) *Transport {
	t := &Transport{readLimit: 1 << 20}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ConnectionType returns "websocket"
func (t *Transport) ConnectionType() string {
	return bayeux.ConnectionTypeWebSocket
}

// Open dials endpoint, which may use the ws, wss, http or https scheme
func (t *Transport) Open(ctx context.Context, endpoint string) (bayeux.Connection, error) {
	options := t.options
	conn, _, err := ws.Dial(ctx, endpoint, &options)
	if err != nil {
		return nil, err
	}
	if t.readLimit > 0 {
		conn.SetReadLimit(t.readLimit)
	}
	return &connection{conn: conn, closed: make(chan struct{})}, nil
}

type connection struct {
	conn *ws.Conn

	readLock sync.Mutex
	pending  []bayeux.Message

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Send writes m as a one element array in a single text frame
func (c *connection) Send(ctx context.Context, m bayeux.Message) error {
	if c.isClosed() {
		return bayeux.ErrConnectionClosed
	}

	b, err := json.Marshal([]bayeux.Message{m})
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, ws.MessageText, b); err != nil {
		if c.isClosed() {
			return bayeux.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Receive returns the next message, reading a new frame once the previous
// batch has been handed out. If ctx expires mid-read the underlying
// connection is closed by the websocket library.
func (c *connection) Receive(ctx context.Context) (bayeux.Message, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()

	for len(c.pending) == 0 {
		if c.isClosed() {
			return bayeux.Message{}, bayeux.ErrConnectionClosed
		}

		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if c.isClosed() {
				return bayeux.Message{}, bayeux.ErrConnectionClosed
			}
			return bayeux.Message{}, err
		}
		if typ != ws.MessageText {
			return bayeux.Message{}, &bayeux.ProtocolError{Reason: "unexpected binary frame"}
		}

		batch, err := decode(data)
		if err != nil {
			return bayeux.Message{}, err
		}
		c.pending = batch
	}

	m := c.pending[0]
	c.pending = c.pending[1:]
	return m, nil
}

// Close performs the closing handshake once. Later calls return nil.
func (c *connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close(ws.StatusNormalClosure, "")
		var ce ws.CloseError
		if errors.As(err, &ce) && ce.Code == ws.StatusNormalClosure {
			err = nil
		}
	})
	return err
}

// decode accepts an array of messages or, from lenient servers, a single
// message object
func decode(data []byte) ([]bayeux.Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var m bayeux.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, &bayeux.ProtocolError{Reason: "malformed frame", Err: err}
		}
		return []bayeux.Message{m}, nil
	}

	var batch []bayeux.Message
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, &bayeux.ProtocolError{Reason: "malformed frame", Err: err}
	}
	return batch, nil
}

// Package longpolling implements the Bayeux long-polling connection type over
// HTTP POST
package longpolling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"golang.org/x/net/publicsuffix"

	"github.com/fayeclient/bayeux"
)

const maxErrorBody = 4096

// Transport opens long-polling connections. Connections opened from the same
// Transport share its HTTP client and therefore its cookies.
type Transport struct {
	client    *http.Client
	transport http.RoundTripper
	header    http.Header
}

// Option configures a Transport
type Option func(*Transport)

// WithHTTPClient uses client instead of a fresh client with a cookie jar
func WithHTTPClient(client *http.Client) Option {
	return func(t *Transport) {
		t.client = client
	}
}

// WithRoundTripper sets the http.RoundTripper requests go through
func WithRoundTripper(transport http.RoundTripper) Option {
	return func(t *Transport) {
		t.transport = transport
	}
}

// WithHeader adds headers to every request
func WithHeader(header http.Header) Option {
	return func(t *Transport) {
		t.header = header
	}
}

// New creates a long-polling Transport
func New(opts ...Option) (*Transport, error) {
	t := &Transport{}
	for _, opt := range opts {
		opt(t)
	}

	if t.client == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}
		t.client = &http.Client{Jar: jar}
	}
	if t.transport != nil {
		t.client.Transport = t.transport
	}
	return t, nil
}

// ConnectionType returns "long-polling"
func (t *Transport) ConnectionType() string {
	return bayeux.ConnectionTypeLongPolling
}

// Open validates endpoint. No request is made until the first Send.
func (t *Transport) Open(_ context.Context, endpoint string) (bayeux.Connection, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q for long-polling", u.Scheme)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		transport: t,
		endpoint:  u.String(),
		ready:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

type connection struct {
	transport *Transport
	endpoint  string

	lock  sync.Mutex
	queue []bayeux.Message
	ready chan struct{}

	// ctx is cancelled by Close and aborts in-flight requests
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *connection) isClosed() bool {
	return c.ctx.Err() != nil
}

// Send POSTs m and queues the messages in the response for Receive. The
// request stays in flight for as long as the server holds it.
func (c *connection) Send(ctx context.Context, m bayeux.Message) error {
	if c.isClosed() {
		return bayeux.ErrConnectionClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	replies, err := c.post(ctx, m)
	if err != nil {
		if c.isClosed() {
			return bayeux.ErrConnectionClosed
		}
		return err
	}

	c.lock.Lock()
	c.queue = append(c.queue, replies...)
	c.lock.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

func (c *connection) post(ctx context.Context, m bayeux.Message) ([]bayeux.Message, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode([]bayeux.Message{m}); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, &buf)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.transport.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.transport.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &bayeux.BadResponseError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
	}

	messages := make([]bayeux.Message, 0)
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, &bayeux.ProtocolError{Reason: "malformed response body", Err: err}
	}
	return messages, nil
}

// Receive returns the next queued message, waiting for a Send to deliver one
func (c *connection) Receive(ctx context.Context) (bayeux.Message, error) {
	for {
		if c.isClosed() {
			return bayeux.Message{}, bayeux.ErrConnectionClosed
		}

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
		case <-c.ctx.Done():
			return bayeux.Message{}, bayeux.ErrConnectionClosed
		case <-c.ready:
		}
	}
}

// Close aborts in-flight requests. It is safe to call more than once.
func (c *connection) Close() error {
	c.cancel()
	return nil
}

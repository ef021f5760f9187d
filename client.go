package bayeux

import (
	"context"
	"errors"
	"net/url"
)

// Client is a high-level abstraction over an Engine that routes deliveries
// to Go channels instead of handler callbacks
type Client struct {
	engine   *Engine
	endpoint string
	router   *router
}

// NewClient creates a new high-level client for the server at endpoint. A
// handler passed with WithHandler still receives every message the client
// does not route.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, err
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.Handler == nil {
		options.Handler = NopHandler{}
	}
	r := &router{subscriptions: newSubscriptionsMap(), next: options.Handler}

	engine, err := NewEngine(append(opts, WithHandler(r))...)
	if err != nil {
		return nil, err
	}
	return &Client{engine: engine, endpoint: endpoint, router: r}, nil
}

// Start connects in the background, subscribes to every channel registered
// so far and then keeps polling. The returned channel yields at most one
// error and is closed when polling stops.
func (c *Client) Start(ctx context.Context) <-chan error {
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		if err := c.start(ctx); err != nil {
			errs <- err
		}
	}()
	return errs
}

func (c *Client) start(ctx context.Context) error {
	err := c.run(ctx)
	if ctx.Err() != nil || (errors.Is(err, ErrClientNotConnected) && c.engine.State() == idleRepr) {
		// cancelled, or Disconnect was called
		return nil
	}
	return err
}

func (c *Client) run(ctx context.Context) error {
	if err := c.engine.Connect(ctx, c.endpoint); err != nil {
		return err
	}
	if channels := c.router.subscriptions.Channels(); len(channels) > 0 {
		if err := c.engine.Subscribe(ctx, channels); err != nil {
			return err
		}
	}
	return c.engine.Run(ctx)
}

// Subscribe registers ms to receive deliveries on channel, which may be a
// wildcard pattern. Sends to ms block the engine, so it must be drained.
// Before Start the subscription is sent once the session is up.
func (c *Client) Subscribe(ctx context.Context, channel Channel, ms chan<- Message) error {
	if err := c.router.subscriptions.Add(channel, ms); err != nil {
		return err
	}
	if !c.engine.IsConnected() {
		return nil
	}
	if err := c.engine.Subscribe(ctx, []Channel{channel}); err != nil {
		c.router.subscriptions.Remove(channel)
		return err
	}
	return nil
}

// Unsubscribe stops routing channel and tells the server when connected
func (c *Client) Unsubscribe(ctx context.Context, channel Channel) error {
	c.router.subscriptions.Remove(channel)
	if !c.engine.IsConnected() {
		return nil
	}
	return c.engine.Unsubscribe(ctx, []Channel{channel})
}

// Publish sends data on channel and returns the server's acknowledgement
func (c *Client) Publish(ctx context.Context, channel Channel, data any) (Message, error) {
	return c.engine.Publish(ctx, channel, data)
}

// Disconnect issues a /meta/disconnect request to the Bayeux server and
// closes the connection
func (c *Client) Disconnect(ctx context.Context) error {
	return c.engine.Disconnect(ctx)
}

// IsConnected reports whether the underlying session is connected
func (c *Client) IsConnected() bool {
	return c.engine.IsConnected()
}

// router delivers messages to subscribed Go channels and forwards everything
// else to the next handler
type router struct {
	subscriptions *subscriptionsMap
	next          MessageHandler
}

func (r *router) OnHandshake(m *Message)   { r.next.OnHandshake(m) }
func (r *router) OnConnect(m *Message)     { r.next.OnConnect(m) }
func (r *router) OnDisconnect(m *Message)  { r.next.OnDisconnect(m) }
func (r *router) OnSubscribe(m *Message)   { r.next.OnSubscribe(m) }
func (r *router) OnUnsubscribe(m *Message) { r.next.OnUnsubscribe(m) }
func (r *router) OnError(m *Message)       { r.next.OnError(m) }

func (r *router) OnMessage(m *Message) {
	receivers := r.subscriptions.Matching(m.Channel)
	if len(receivers) == 0 {
		r.next.OnMessage(m)
		return
	}
	for _, ms := range receivers {
		ms <- *m
	}
}

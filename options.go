package bayeux

import (
	"time"

	"github.com/google/uuid"
)

const (
	defaultMaxConnectAttempts = 5
	defaultMaxNetworkDelay    = 10 * time.Second
	// defaultConnectTimeout is the hold time assumed before the server has
	// advised one
	defaultConnectTimeout = 30 * time.Second
)

// Options configures an Engine
type Options struct {
	// Transports are offered to the server in preference order. The first
	// one is used to open the connection.
	Transports []Transport
	// Handler receives every classified inbound message
	Handler MessageHandler
	// Logger receives the engine's logs
	Logger Logger
	// Backoff is applied between connect retries when the server has not
	// advised an interval
	Backoff BackoffConfig
	// MaxConnectAttempts bounds the retries and re-handshakes a single
	// connect step performs before failing
	MaxConnectAttempts int
	// MaxNetworkDelay is added to the advised timeout to bound how long a
	// /meta/connect may be held, and bounds every other request
	MaxNetworkDelay time.Duration
	// Ext is copied into the ext field of every outgoing message
	Ext map[string]any
	// Extensions run on every outgoing and incoming message
	Extensions []MessageExtender
	// IDGenerator creates message ids
	IDGenerator func() string
}

// Option mutates Options
type Option func(*Options)

func defaultOptions() Options {
	return Options{
		Handler:            NopHandler{},
		Logger:             newNullLogger(),
		Backoff:            DefaultBackoff,
		MaxConnectAttempts: defaultMaxConnectAttempts,
		MaxNetworkDelay:    defaultMaxNetworkDelay,
		IDGenerator:        uuid.NewString,
	}
}

// WithTransport appends t to the transports offered to the server
func WithTransport(t Transport) Option {
	return func(options *Options) {
		options.Transports = append(options.Transports, t)
	}
}

// WithHandler sets the MessageHandler inbound messages are dispatched to
func WithHandler(h MessageHandler) Option {
	return func(options *Options) {
		options.Handler = h
	}
}

// WithBackoff sets the backoff used when no interval has been advised
func WithBackoff(cfg BackoffConfig) Option {
	return func(options *Options) {
		options.Backoff = cfg
	}
}

// WithMaxConnectAttempts caps retries within a single connect step
func WithMaxConnectAttempts(n int) Option {
	return func(options *Options) {
		options.MaxConnectAttempts = n
	}
}

// WithMaxNetworkDelay sets the client-side allowance on top of the advised
// connect timeout
func WithMaxNetworkDelay(d time.Duration) Option {
	return func(options *Options) {
		options.MaxNetworkDelay = d
	}
}

// WithExt sets a key in the ext field of every outgoing message
func WithExt(key string, value any) Option {
	return func(options *Options) {
		if options.Ext == nil {
			options.Ext = make(map[string]any)
		}
		options.Ext[key] = value
	}
}

// WithExtension registers a MessageExtender
func WithExtension(ext MessageExtender) Option {
	return func(options *Options) {
		options.Extensions = append(options.Extensions, ext)
	}
}

// WithIDGenerator replaces the message id generator
func WithIDGenerator(fn func() string) Option {
	return func(options *Options) {
		options.IDGenerator = fn
	}
}

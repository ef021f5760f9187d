package bayeux

import (
	"math"
	"time"
)

const (
	// ReconnectRetry means the client may retry /meta/connect after the
	// interval with the same credentials
	ReconnectRetry = "retry"
	// ReconnectHandshake means the server dropped the session and the client
	// MUST handshake again
	ReconnectHandshake = "handshake"
	// ReconnectNone means the client MUST NOT retry or handshake
	ReconnectNone = "none"
)

// Advice represents the field from the server which is used to inform clients
// of their preferred mode of client operation. A nil or empty field means the
// server did not state it in this message.
//
// See also: https://docs.cometd.org/current/reference/#_bayeux_advice
type Advice struct {
	// Reconnect indicates how the client should act in the case of a failure
	// to connect.
	//
	// See also: https://docs.cometd.org/current/reference/#_reconnect_advice_field
	Reconnect string `json:"reconnect,omitempty"`
	// Timeout represents the period of time, in milliseconds, for the server
	// to delay responses to the `/meta/connect` channel.
	//
	// See also: https://docs.cometd.org/current/reference/#_timeout_advice_field
	Timeout *int `json:"timeout,omitempty"`
	// Interval represents the minimum period of time, in milliseconds, for the
	// client to delay subsequent requests to the /meta/connect channel. A
	// negative interval means the request should not be retried.
	//
	// See also: https://docs.cometd.org/current/reference/#_interval_advice_field
	Interval *int `json:"interval,omitempty"`
	// MultipleClients indicates that the server has detected multiple Bayeux
	// client instances running within the same web client
	//
	// See also: https://docs.cometd.org/current/reference/#_bayeux_multiple_clients_advice
	MultipleClients *bool `json:"multiple-clients,omitempty"`
	// Hosts is a list of host names or IP addresses that MAY be used as
	// alternate servers.
	//
	// See also: https://docs.cometd.org/current/reference/#_hosts_advice_field
	Hosts []string `json:"hosts,omitempty"`

	LongPolling     *TransportAdvice `json:"long-polling,omitempty"`
	CallbackPolling *TransportAdvice `json:"callback-polling,omitempty"`
	WebSocket       *TransportAdvice `json:"websocket,omitempty"`
	IFrame          *TransportAdvice `json:"iframe,omitempty"`
	Flash           *TransportAdvice `json:"flash,omitempty"`
}

// TransportAdvice is advice scoped to a single connection type. Its values
// override the global ones for that transport only.
type TransportAdvice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Timeout   *int   `json:"timeout,omitempty"`
	Interval  *int   `json:"interval,omitempty"`
}

// Millis returns a pointer to ms, handy for populating Advice
func Millis(ms int) *int {
	return &ms
}

// MustNotRetryOrHandshake indicates whether neither a handshake or retry is
// allowed
func (a Advice) MustNotRetryOrHandshake() bool {
	return a.Reconnect == ReconnectNone
}

// ShouldRetry indicates whether a retry should occur. Retry is the default
// when no reconnect advice has been given.
func (a Advice) ShouldRetry() bool {
	return a.Reconnect == ReconnectRetry || a.Reconnect == ""
}

// ShouldHandshake indicates whether the advice is that a handshake should
// occur
func (a Advice) ShouldHandshake() bool {
	return a.Reconnect == ReconnectHandshake
}

// TimeoutAsDuration returns the Timeout field as a time.Duration, zero when
// unset
func (a Advice) TimeoutAsDuration() time.Duration {
	if a.Timeout == nil {
		return 0
	}
	return time.Duration(*a.Timeout) * time.Millisecond
}

// IntervalAsDuration returns the Interval field as a time.Duration, zero when
// unset
func (a Advice) IntervalAsDuration() time.Duration {
	if a.Interval == nil {
		return 0
	}
	return time.Duration(*a.Interval) * time.Millisecond
}

// ForTransport returns the effective advice for the named connection type:
// the global values with that transport's section applied on top. The
// transport sections are dropped from the result.
func (a Advice) ForTransport(connectionType string) Advice {
	effective := a
	effective.LongPolling = nil
	effective.CallbackPolling = nil
	effective.WebSocket = nil
	effective.IFrame = nil
	effective.Flash = nil

	ta := a.transport(connectionType)
	if ta == nil {
		return effective
	}
	if ta.Reconnect != "" {
		effective.Reconnect = ta.Reconnect
	}
	if ta.Timeout != nil {
		effective.Timeout = ta.Timeout
	}
	if ta.Interval != nil {
		effective.Interval = ta.Interval
	}
	return effective
}

func (a *Advice) transport(connectionType string) *TransportAdvice {
	switch connectionType {
	case ConnectionTypeLongPolling:
		return a.LongPolling
	case ConnectionTypeCallbackPolling:
		return a.CallbackPolling
	case ConnectionTypeWebSocket:
		return a.WebSocket
	case ConnectionTypeIFrame:
		return a.IFrame
	case ConnectionTypeFlash:
		return a.Flash
	default:
		return nil
	}
}

// MergeAdvice folds update into current field by field. A field absent from
// update keeps its current value.
func MergeAdvice(current, update Advice) Advice {
	merged := current
	if update.Reconnect != "" {
		merged.Reconnect = update.Reconnect
	}
	if update.Timeout != nil {
		merged.Timeout = Millis(*update.Timeout)
	}
	if update.Interval != nil {
		merged.Interval = Millis(*update.Interval)
	}
	if update.MultipleClients != nil {
		merged.MultipleClients = Bool(*update.MultipleClients)
	}
	if update.Hosts != nil {
		merged.Hosts = append([]string(nil), update.Hosts...)
	}
	merged.LongPolling = mergeTransportAdvice(current.LongPolling, update.LongPolling)
	merged.CallbackPolling = mergeTransportAdvice(current.CallbackPolling, update.CallbackPolling)
	merged.WebSocket = mergeTransportAdvice(current.WebSocket, update.WebSocket)
	merged.IFrame = mergeTransportAdvice(current.IFrame, update.IFrame)
	merged.Flash = mergeTransportAdvice(current.Flash, update.Flash)
	return merged
}

func mergeTransportAdvice(current, update *TransportAdvice) *TransportAdvice {
	if update == nil {
		return current
	}
	merged := TransportAdvice{}
	if current != nil {
		merged = *current
	}
	if update.Reconnect != "" {
		merged.Reconnect = update.Reconnect
	}
	if update.Timeout != nil {
		merged.Timeout = Millis(*update.Timeout)
	}
	if update.Interval != nil {
		merged.Interval = Millis(*update.Interval)
	}
	return &merged
}

// Action is what the engine does after a /meta/connect attempt failed
type Action int

const (
	// ActionRetry reissues /meta/connect with the same client id
	ActionRetry Action = iota
	// ActionHandshake drops the session and handshakes again
	ActionHandshake
	// ActionNone stops without retrying
	ActionNone
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return ReconnectRetry
	case ActionHandshake:
		return ReconnectHandshake
	default:
		return ReconnectNone
	}
}

// Decision is the outcome of interpreting advice after a failed connect
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

// BackoffConfig controls the delay used between connect retries when the
// server never supplied an interval
type BackoffConfig struct {
	Min    time.Duration
	// Max caps the delay. Zero or less means DefaultBackoff.Max.
	Max    time.Duration
	Factor float64
}

// DefaultBackoff is used when no BackoffConfig is provided
var DefaultBackoff = BackoffConfig{
	Min:    time.Second,
	Max:    30 * time.Second,
	Factor: 2,
}

// Delay returns the backoff for the given attempt (0 based)
func (cfg BackoffConfig) Delay(attempt int) time.Duration {
	if cfg.Min <= 0 {
		return 0
	}
	factor := cfg.Factor
	if factor < 1.0 {
		factor = 1.0
	}
	ceiling := cfg.Max
	if ceiling <= 0 {
		ceiling = DefaultBackoff.Max
	}
	delay := float64(cfg.Min) * math.Pow(factor, float64(attempt))
	if math.IsInf(delay, 1) || math.IsNaN(delay) || delay > float64(ceiling) {
		return ceiling
	}
	return time.Duration(delay)
}

// AdviceInterpreter turns the current merged advice into the next action
// after a failed connect. It tracks the backoff attempt count, so one
// interpreter belongs to one engine.
type AdviceInterpreter struct {
	backoff BackoffConfig
	attempt int
}

// NewAdviceInterpreter creates an AdviceInterpreter using cfg for backoff
func NewAdviceInterpreter(cfg BackoffConfig) *AdviceInterpreter {
	return &AdviceInterpreter{backoff: cfg}
}

// Next decides what to do about a failed connect given the merged advice and
// the connection type in use
func (ai *AdviceInterpreter) Next(advice Advice, connectionType string) Decision {
	effective := advice.ForTransport(connectionType)
	switch effective.Reconnect {
	case ReconnectHandshake:
		return Decision{Action: ActionHandshake, Delay: positive(effective.IntervalAsDuration()), Reason: "server advised handshake"}
	case ReconnectNone:
		return Decision{Action: ActionNone, Reason: "server advised reconnect none"}
	}

	if effective.Interval != nil {
		if *effective.Interval < 0 {
			return Decision{Action: ActionNone, Reason: "server advised negative interval"}
		}
		return Decision{Action: ActionRetry, Delay: effective.IntervalAsDuration()}
	}

	delay := ai.backoff.Delay(ai.attempt)
	ai.attempt++
	return Decision{Action: ActionRetry, Delay: delay}
}

// Reset returns the backoff to its minimum. Call it after every successful
// connect.
func (ai *AdviceInterpreter) Reset() {
	ai.attempt = 0
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

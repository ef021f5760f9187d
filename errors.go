package bayeux

import (
	"fmt"
)

const (
	// ErrClientNotConnected is returned when an operation needs an
	// established session and there is none
	ErrClientNotConnected = sentinel("client not connected to server")

	// ErrBadChannel is returned when the handshake response is on the wrong channel
	ErrBadChannel = sentinel("handshake responses must come back via the /meta/handshake channel")

	// ErrFailedToConnect is wrapped by every error built from a refused
	// /meta/connect
	ErrFailedToConnect = sentinel("connect request was not successful")

	// ErrNoSupportedConnectionTypes is returned when the client and server
	// aren't able to agree on a connection type
	ErrNoSupportedConnectionTypes = sentinel("no supported connection types provided")

	// ErrNoVersion is returned when a version is not provided
	ErrNoVersion = sentinel("no version specified")

	// ErrMissingClientID is returned when the client id has not been set
	ErrMissingClientID = sentinel("missing clientID value")

	// ErrMissingConnectionType is returned when the connection type is unset
	ErrMissingConnectionType = sentinel("missing connectionType value")

	// ErrMissingData is returned when publishing without a payload
	ErrMissingData = sentinel("missing data value")

	// ErrConnectionClosed is returned by a Connection once it has been closed
	ErrConnectionClosed = sentinel("connection closed")
)

type sentinel string

func (s sentinel) Error() string {
	return string(s)
}

// TransportError wraps a failure reported by the Transport or Connection
type TransportError struct {
	Op  string
	Err error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("transport %s failed (%s)", e.Op, e.Err)
}

func (e TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is returned when a response is malformed or unparseable
type ProtocolError struct {
	Reason string
	Err    error
}

func (e ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error: %s (%s)", e.Reason, e.Err)
}

func (e ProtocolError) Unwrap() error {
	return e.Err
}

// ConnectionFailedError is returned whenever the connect step fails
type ConnectionFailedError struct {
	Reason string
	Err    error
}

func (e ConnectionFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection failed (%s)", e.Err)
	}
	return fmt.Sprintf("connection failed: %s (%s)", e.Reason, e.Err)
}

func (e ConnectionFailedError) Unwrap() error {
	return e.Err
}

// HandshakeFailedError is returned whenever the handshake fails
type HandshakeFailedError struct {
	Reason string
	Err    error
}

func (e HandshakeFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("handshake was not successful: %s", e.Reason)
	}
	return e.Err.Error()
}

func (e HandshakeFailedError) Unwrap() error {
	return e.Err
}

func newHandshakeError(reason string) *HandshakeFailedError {
	return &HandshakeFailedError{Reason: reason}
}

// SubscriptionFailedError is returned for any errors on Subscribe
type SubscriptionFailedError struct {
	Channels []Channel
	Reason   string
	Err      error
}

func (e SubscriptionFailedError) Error() string {
	return fmt.Sprintf("subscription failed (%s)", e.Err)
}

func (e SubscriptionFailedError) Unwrap() error {
	return e.Err
}

// UnsubscribeFailedError is returned for any errors on Unsubscribe
type UnsubscribeFailedError struct {
	Channels []Channel
	Reason   string
	Err      error
}

func (e UnsubscribeFailedError) Error() string {
	return fmt.Sprintf("unsubscribe failed (%s)", e.Err)
}

func (e UnsubscribeFailedError) Unwrap() error {
	return e.Err
}

// PublishFailedError is returned for any errors on Publish
type PublishFailedError struct {
	Channel Channel
	Reason  string
	Err     error
}

func (e PublishFailedError) Error() string {
	return fmt.Sprintf("publish to %s failed (%s)", e.Channel, e.Err)
}

func (e PublishFailedError) Unwrap() error {
	return e.Err
}

// ActionFailedError is the server-reported reason behind a failed request
type ActionFailedError struct {
	Action       string
	ErrorMessage string
	Err          error
}

func (e ActionFailedError) Error() string {
	return fmt.Sprintf("unable to %s: %s", e.Action, e.ErrorMessage)
}

func (e ActionFailedError) Unwrap() error {
	return e.Err
}

func newSubscribeError(msg string) *ActionFailedError {
	return &ActionFailedError{Action: "subscribe to channels", ErrorMessage: msg}
}

func newUnsubscribeError(msg string) *ActionFailedError {
	return &ActionFailedError{Action: "unsubscribe from channels", ErrorMessage: msg}
}

func newPublishError(msg string) *ActionFailedError {
	return &ActionFailedError{Action: "publish", ErrorMessage: msg}
}

func newConnectError(msg string) *ActionFailedError {
	return &ActionFailedError{Action: "connect", ErrorMessage: msg, Err: ErrFailedToConnect}
}

// DisconnectFailedError is returned when the call to Disconnect fails
type DisconnectFailedError struct {
	Err error
}

func (e DisconnectFailedError) Error() string {
	msg := "unable to disconnect from Bayeux server"

	if e.Err == nil {
		return msg
	}

	return fmt.Sprintf("%s (%s)", msg, e.Err)
}

func (e DisconnectFailedError) Unwrap() error {
	return e.Err
}

// TerminalError is returned when the server's reconnect advice forbids any
// further attempt on this session
type TerminalError struct {
	Reason string
	Err    error
}

func (e TerminalError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session terminated: %s", e.Reason)
	}
	return fmt.Sprintf("session terminated: %s (%s)", e.Reason, e.Err)
}

func (e TerminalError) Unwrap() error {
	return e.Err
}

// AlreadyRegisteredError signifies that the given MessageExtender is already
// registered with the engine
type AlreadyRegisteredError struct {
	MessageExtender
}

func (e AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("extension already registered: %T", e.MessageExtender)
}

// BadResponseError is returned when we get an unexpected HTTP response from the server
type BadResponseError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e BadResponseError) Error() string {
	return fmt.Sprintf(
		"expected 200 response from bayeux server, got %d with status '%s' and body '%s'",
		e.StatusCode,
		e.Status,
		e.Body,
	)
}

// BadConnectionTypeError is returned when we don't know how to handle the
// requested connection type
type BadConnectionTypeError struct {
	ConnectionType string
}

func (e BadConnectionTypeError) Error() string {
	return fmt.Sprintf("%q is not a valid connection type", e.ConnectionType)
}

// BadConnectionVersionError is returned when we can't support the requested
// version number
type BadConnectionVersionError struct {
	Version string
}

func (e BadConnectionVersionError) Error() string {
	return fmt.Sprintf("version %q is invalid for Bayeux protocol", e.Version)
}

// InvalidChannelError is the result of a failure to validate a channel name
type InvalidChannelError struct {
	Channel
}

func (e InvalidChannelError) Error() string {
	return fmt.Sprintf("channel %q appears to not be a valid channel", e.Channel)
}

// ErrMessageUnparsable is returned when we fail to parse a message's error
// field
type ErrMessageUnparsable string

func (e ErrMessageUnparsable) Error() string {
	return fmt.Sprintf("error message not parseable: %s", string(e))
}

// BadStateError is returned when an operation is not valid for the engine's
// current state
type BadStateError struct {
	CurrentState int32
	ToState      int32
	Message      string
}

func (e BadStateError) Error() string {
	return fmt.Sprintf("%s, (current: %s, to: %s)", e.Message, stateName(e.CurrentState), stateName(e.ToState))
}

func newBadState(msg string, current, to int32) *BadStateError {
	return &BadStateError{CurrentState: current, ToState: to, Message: msg}
}

// UnknownEventTypeError is returned when the next state is unknown
type UnknownEventTypeError struct {
	Event
}

func (e UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type (%q)", e.Event)
}

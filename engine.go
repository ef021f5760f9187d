package bayeux

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Engine drives one Bayeux session over one Connection: handshake, the
// connect step, subscriptions, publishing and disconnect. It applies the
// server's advice and dispatches every inbound message to its
// MessageHandler.
//
// Connect, Poll, Run, Subscribe, Unsubscribe, Publish and Disconnect are
// mutually exclusive: each holds the engine for the whole request/response
// exchange, so requests on a session are strictly FIFO. The query methods
// and Close never wait for an in-flight request.
type Engine struct {
	stateMachine    *ConnectionStateMachine
	transports      []Transport
	transport       Transport
	handler         MessageHandler
	logger          Logger
	builder         *MessageBuilder
	interpreter     *AdviceInterpreter
	subscriptions   *subscriptionsMap
	maxAttempts     int
	maxNetworkDelay time.Duration
	nextID          func() string
	state           *clientState

	mu       sync.Mutex
	endpoint string
	halted   bool

	extLock sync.RWMutex
	exts    []MessageExtender

	adviceLock sync.RWMutex
	advice     Advice

	connLock  sync.Mutex
	conn      Connection
	interrupt chan struct{}
	closed    bool
}

// NewEngine creates an Engine. At least one Transport is required.
func NewEngine(opts ...Option) (*Engine, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if len(options.Transports) == 0 {
		return nil, ErrNoSupportedConnectionTypes
	}
	for _, t := range options.Transports {
		if !isKnownConnectionType(t.ConnectionType()) {
			return nil, BadConnectionTypeError{t.ConnectionType()}
		}
	}
	if options.Handler == nil {
		options.Handler = NopHandler{}
	}
	if options.Logger == nil {
		options.Logger = newNullLogger()
	}
	if options.MaxConnectAttempts < 1 {
		options.MaxConnectAttempts = 1
	}
	if options.MaxNetworkDelay <= 0 {
		options.MaxNetworkDelay = defaultMaxNetworkDelay
	}
	if options.IDGenerator == nil {
		options.IDGenerator = defaultOptions().IDGenerator
	}

	e := &Engine{
		stateMachine:    NewConnectionStateMachine(),
		transports:      options.Transports,
		transport:       options.Transports[0],
		handler:         options.Handler,
		logger:          options.Logger,
		builder:         NewMessageBuilder(options.Ext),
		interpreter:     NewAdviceInterpreter(options.Backoff),
		subscriptions:   newSubscriptionsMap(),
		maxAttempts:     options.MaxConnectAttempts,
		maxNetworkDelay: options.MaxNetworkDelay,
		nextID:          options.IDGenerator,
		state:           &clientState{},
		interrupt:       make(chan struct{}),
	}
	for _, ext := range options.Extensions {
		if err := e.UseExtension(ext); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// UseExtension adds the provided MessageExtender to the list of known
// extensions
func (e *Engine) UseExtension(ext MessageExtender) error {
	e.extLock.Lock()
	defer e.extLock.Unlock()
	for _, registered := range e.exts {
		if ext == registered {
			return &AlreadyRegisteredError{ext}
		}
	}
	e.exts = append(e.exts, ext)
	return nil
}

// Connect opens a connection to endpoint, handshakes and performs the first
// connect step. It is only valid when no session is established.
func (e *Engine) Connect(ctx context.Context, endpoint string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := e.logger.WithField("at", "connect")
	start := time.Now()
	logger.Debug("starting")

	if current := e.stateMachine.state(); current != idle && current != failed {
		return newBadState("connect is only valid without an established session", current, handshaking)
	}

	e.resetInterrupt()
	_ = e.closeConnection()
	e.resetSession()
	e.endpoint = endpoint

	if err := e.openConnection(ctx); err != nil {
		logger.WithError(err).Debug("unable to open connection")
		e.fail()
		return err
	}
	if err := e.handshake(ctx); err != nil {
		e.fail()
		return err
	}
	if err := e.connect(ctx); err != nil {
		return err
	}

	logger.WithField("duration", time.Since(start)).Debug("finishing")
	return nil
}

// Poll performs one connect step on an established session. Deliveries that
// arrive while the server holds the request are dispatched to the handler.
func (e *Engine) Poll(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.established() {
		return &ConnectionFailedError{Reason: "no session", Err: ErrClientNotConnected}
	}
	if e.halted {
		e.fail()
		return &TerminalError{Reason: "server advised reconnect none"}
	}
	return e.connect(ctx)
}

// Run polls until ctx is done or the session fails, waiting the advised
// interval between polls
func (e *Engine) Run(ctx context.Context) error {
	for {
		delay := positive(e.effectiveAdvice().IntervalAsDuration())
		if err := e.wait(ctx, delay); err != nil {
			return err
		}
		if err := e.Poll(ctx); err != nil {
			return err
		}
	}
}

// Subscribe issues a /meta/subscribe request for channels. A refusal from the
// server is returned as a *SubscriptionFailedError and leaves the session up.
func (e *Engine) Subscribe(ctx context.Context, channels []Channel) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := e.logger.WithField("at", "subscribe")
	start := time.Now()
	logger.Debug("starting")

	if !e.established() {
		logger.Debug("cannot subscribe because client is not connected")
		return &SubscriptionFailedError{Channels: channels, Err: ErrClientNotConnected}
	}
	if len(channels) == 0 {
		return nil
	}

	req, err := e.builder.Subscribe(e.state.GetClientID(), channels)
	if err != nil {
		return &SubscriptionFailedError{Channels: channels, Reason: err.Error(), Err: err}
	}
	resp, err := e.request(ctx, req, e.maxNetworkDelay)
	if err != nil {
		logger.WithError(err).Debug("error during request")
		return &SubscriptionFailedError{Channels: channels, Reason: err.Error(), Err: err}
	}
	if !resp.IsSuccessful() {
		reason := resp.reason()
		return &SubscriptionFailedError{Channels: channels, Reason: reason, Err: newSubscribeError(reason)}
	}

	for _, c := range req.Subscription {
		if !e.subscriptions.Has(c) {
			_ = e.subscriptions.Add(c, nil)
		}
	}
	e.dispatch(&resp)
	logger.WithField("duration", time.Since(start)).Debug("finishing")
	return nil
}

// Unsubscribe issues a /meta/unsubscribe request for channels
func (e *Engine) Unsubscribe(ctx context.Context, channels []Channel) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := e.logger.WithField("at", "unsubscribe")
	start := time.Now()
	logger.Debug("starting")

	if !e.established() {
		return &UnsubscribeFailedError{Channels: channels, Err: ErrClientNotConnected}
	}
	if len(channels) == 0 {
		return nil
	}

	req, err := e.builder.Unsubscribe(e.state.GetClientID(), channels)
	if err != nil {
		return &UnsubscribeFailedError{Channels: channels, Reason: err.Error(), Err: err}
	}
	resp, err := e.request(ctx, req, e.maxNetworkDelay)
	if err != nil {
		logger.WithError(err).Debug("error during request")
		return &UnsubscribeFailedError{Channels: channels, Reason: err.Error(), Err: err}
	}
	if !resp.IsSuccessful() {
		reason := resp.reason()
		return &UnsubscribeFailedError{Channels: channels, Reason: reason, Err: newUnsubscribeError(reason)}
	}

	for _, c := range req.Subscription {
		e.subscriptions.Remove(c)
	}
	e.dispatch(&resp)
	logger.WithField("duration", time.Since(start)).Debug("finishing")
	return nil
}

// Publish sends data to channel and waits for the server's acknowledgement,
// which is returned. The acknowledgement is not dispatched, so the handler
// never sees it; deliveries read while waiting for it still are.
func (e *Engine) Publish(ctx context.Context, channel Channel, data any) (Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := e.logger.WithField("at", "publish").WithField("channel", channel)
	start := time.Now()
	logger.Debug("starting")

	if !e.established() {
		return Message{}, &PublishFailedError{Channel: channel, Err: ErrClientNotConnected}
	}
	if data == nil {
		return Message{}, &PublishFailedError{Channel: channel, Reason: ErrMissingData.Error(), Err: ErrMissingData}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, &PublishFailedError{Channel: channel, Reason: err.Error(), Err: err}
	}
	req, err := e.builder.Publish(e.state.GetClientID(), channel, raw)
	if err != nil {
		return Message{}, &PublishFailedError{Channel: channel, Reason: err.Error(), Err: err}
	}
	resp, err := e.request(ctx, req, e.maxNetworkDelay)
	if err != nil {
		logger.WithError(err).Debug("error during request")
		return Message{}, &PublishFailedError{Channel: channel, Reason: err.Error(), Err: err}
	}
	if !resp.IsSuccessful() {
		reason := resp.reason()
		return resp, &PublishFailedError{Channel: channel, Reason: reason, Err: newPublishError(reason)}
	}

	logger.WithField("duration", time.Since(start)).Debug("finishing")
	return resp, nil
}

// Disconnect ends the session. The /meta/disconnect request is best-effort:
// whatever happens to it, the connection is closed and the session reset
// before Disconnect returns.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger := e.logger.WithField("at", "disconnect")
	start := time.Now()
	logger.Debug("starting")

	if err := e.stateMachine.ProcessEvent(disconnectSent); err != nil {
		return &DisconnectFailedError{ErrClientNotConnected}
	}

	if clientID := e.state.GetClientID(); clientID != "" && e.connection() != nil {
		req, err := e.builder.Disconnect(clientID)
		if err == nil {
			resp, err := e.request(ctx, req, e.maxNetworkDelay)
			switch {
			case err != nil:
				logger.WithError(err).Warn("disconnect request failed")
			case !resp.IsSuccessful():
				logger.WithField("error", resp.Error).Warn("server refused disconnect")
			default:
				e.dispatch(&resp)
			}
		}
	}

	if err := e.closeConnection(); err != nil {
		logger.WithError(err).Warn("error closing connection")
	}
	e.resetSession()
	_ = e.stateMachine.ProcessEvent(disconnected)
	logger.WithField("duration", time.Since(start)).Debug("finishing")
	return nil
}

// Close tears the connection down from outside the engine. Any in-flight
// request fails fast and the session moves to the failed state; Connect may
// be called again afterwards.
func (e *Engine) Close() error {
	e.connLock.Lock()
	if !e.closed {
		e.closed = true
		close(e.interrupt)
	}
	e.connLock.Unlock()

	err := e.closeConnection()
	if e.stateMachine.state() != idle {
		_ = e.stateMachine.ProcessEvent(failure)
	}
	return err
}

// IsConnected reports whether a session is established and its last connect
// step succeeded
func (e *Engine) IsConnected() bool {
	return e.stateMachine.IsConnected() && e.state.GetClientID() != ""
}

// IsOpened reports whether a connection is open and a session is being
// established or is up
func (e *Engine) IsOpened() bool {
	return e.connection() != nil && e.stateMachine.IsOpening()
}

// State returns the current session state
func (e *Engine) State() StateRepresentation {
	return e.stateMachine.CurrentState()
}

// ClientID returns the session's client id, empty without a session
func (e *Engine) ClientID() string {
	return e.state.GetClientID()
}

// Advice returns the current merged advice
func (e *Engine) Advice() Advice {
	e.adviceLock.RLock()
	defer e.adviceLock.RUnlock()
	return e.advice
}

// Subscriptions returns the channels the server has confirmed
func (e *Engine) Subscriptions() []Channel {
	return e.subscriptions.Channels()
}

// handshake sends /meta/handshake and stores the new client id. The previous
// client id is dropped before the request goes out.
func (e *Engine) handshake(ctx context.Context) error {
	logger := e.logger.WithField("at", "handshake")
	start := time.Now()
	logger.Debug("starting")

	e.state.SetClientID("")
	if err := e.stateMachine.ProcessEvent(handshakeSent); err != nil {
		logger.WithError(err).Debug("invalid action for current state")
		return &HandshakeFailedError{Reason: err.Error(), Err: err}
	}

	req, err := e.builder.Handshake(e.connectionTypes())
	if err != nil {
		return &HandshakeFailedError{Reason: err.Error(), Err: err}
	}
	resp, err := e.request(ctx, req, e.maxNetworkDelay)
	if err != nil {
		logger.WithError(err).Debug("error during request")
		return &HandshakeFailedError{Reason: err.Error(), Err: err}
	}
	if !resp.IsSuccessful() {
		return newHandshakeError(resp.reason())
	}
	if resp.Type() != HandshakeMessage {
		return &HandshakeFailedError{Reason: ErrBadChannel.Error(), Err: ErrBadChannel}
	}
	if resp.ClientID == "" {
		return newHandshakeError("missing client id")
	}
	if resp.Version != "" {
		if err := ValidateVersion(resp.Version); err != nil {
			return &HandshakeFailedError{Reason: err.Error(), Err: err}
		}
	}
	if len(resp.SupportedConnectionTypes) > 0 && !contains(resp.SupportedConnectionTypes, e.transport.ConnectionType()) {
		return &HandshakeFailedError{Reason: ErrNoSupportedConnectionTypes.Error(), Err: ErrNoSupportedConnectionTypes}
	}

	e.state.SetClientID(resp.ClientID)
	_ = e.stateMachine.ProcessEvent(handshakeSucceeded)
	e.dispatch(&resp)
	logger.WithField("duration", time.Since(start)).WithField("clientId", resp.ClientID).Debug("finishing")
	return nil
}

// connect is the connect step: it sends /meta/connect and, on failure,
// follows the advice until it succeeds, gives up or is told to stop
func (e *Engine) connect(ctx context.Context) error {
	logger := e.logger.WithField("at", "connect")
	reopen := false

	for attempt := 1; ; attempt++ {
		resp, err := e.attemptConnect(ctx, reopen)
		if err == nil && resp.IsSuccessful() {
			_ = e.stateMachine.ProcessEvent(successfullyConnected)
			e.interpreter.Reset()
			e.halted = e.effectiveAdvice().MustNotRetryOrHandshake()
			e.dispatch(&resp)
			return nil
		}

		// a refusal leaves the connection usable, anything else reopens it
		reopen = err != nil
		if err == nil {
			err = newConnectError(resp.reason())
		}
		if ctx.Err() != nil || e.interrupted() || errors.Is(err, ErrConnectionClosed) {
			e.fail()
			return &ConnectionFailedError{Reason: "connection interrupted", Err: err}
		}
		// the server's advice cannot be trusted once a reply fails to parse
		var pe *ProtocolError
		if errors.As(err, &pe) {
			logger.WithError(err).WithField("attempt", attempt).Debug("malformed connect response")
			e.fail()
			return &ConnectionFailedError{Reason: "malformed response", Err: pe}
		}

		decision := e.interpreter.Next(e.Advice(), e.transport.ConnectionType())
		logger.WithError(err).
			WithField("attempt", attempt).
			WithField("action", decision.Action.String()).
			WithField("delay", decision.Delay).
			Debug("connect attempt failed")

		if decision.Action == ActionNone {
			e.fail()
			return &TerminalError{Reason: decision.Reason, Err: err}
		}
		if attempt >= e.maxAttempts {
			e.fail()
			return &ConnectionFailedError{Reason: "too many attempts", Err: err}
		}
		if werr := e.wait(ctx, decision.Delay); werr != nil {
			e.fail()
			return &ConnectionFailedError{Reason: "connection interrupted", Err: werr}
		}

		if decision.Action == ActionRetry {
			_ = e.stateMachine.ProcessEvent(connectRetry)
			continue
		}

		_ = e.stateMachine.ProcessEvent(rehandshake)
		if reopen {
			if err := e.reopenConnection(ctx); err != nil {
				e.fail()
				return &HandshakeFailedError{Reason: err.Error(), Err: err}
			}
			reopen = false
		}
		if err := e.handshake(ctx); err != nil {
			e.fail()
			return err
		}
		e.resubscribe(ctx)
	}
}

func (e *Engine) attemptConnect(ctx context.Context, reopen bool) (Message, error) {
	if reopen {
		if err := e.reopenConnection(ctx); err != nil {
			return Message{}, err
		}
	}

	req, err := e.builder.Connect(e.state.GetClientID(), e.transport.ConnectionType())
	if err != nil {
		return Message{}, err
	}
	return e.request(ctx, req, e.connectCeiling())
}

// resubscribe restores confirmed subscriptions after a re-handshake
func (e *Engine) resubscribe(ctx context.Context) {
	channels := e.subscriptions.Channels()
	if len(channels) == 0 {
		return
	}

	logger := e.logger.WithField("at", "resubscribe")
	req, err := e.builder.Subscribe(e.state.GetClientID(), channels)
	if err != nil {
		logger.WithError(err).Warn("unable to build subscribe request")
		return
	}
	resp, err := e.request(ctx, req, e.maxNetworkDelay)
	if err != nil {
		logger.WithError(err).Warn("resubscribe request failed")
		return
	}
	if !resp.IsSuccessful() {
		logger.WithField("error", resp.Error).Warn("server refused resubscribe")
		return
	}
	e.dispatch(&resp)
}

// request sends req and reads until its response arrives. Messages that are
// not the response are dispatched in arrival order.
func (e *Engine) request(ctx context.Context, req Message, timeout time.Duration) (Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn := e.connection()
	if conn == nil {
		return Message{}, &TransportError{Op: "send", Err: ErrConnectionClosed}
	}

	req.ID = e.nextID()
	e.outgoing(&req)
	if err := conn.Send(ctx, req); err != nil {
		return Message{}, transportError("send", err)
	}

	for {
		m, err := conn.Receive(ctx)
		if err != nil {
			return Message{}, transportError("receive", err)
		}
		if m.Channel == emptyChannel {
			return Message{}, &ProtocolError{Reason: "message without a channel"}
		}

		e.incoming(&m)
		if m.Advice != nil {
			e.updateAdvice(*m.Advice)
		}
		if isResponseTo(&req, &m) {
			return m, nil
		}
		e.dispatch(&m)
	}
}

// isResponseTo reports whether m answers req. Ids are authoritative when
// both sides carry one; otherwise the channel decides. Non-meta requests are
// only answered by messages carrying a successful flag, which deliveries
// never do. A handshake has no session yet, so any failed meta reply ends
// it whatever id the reply carries.
func isResponseTo(req, m *Message) bool {
	if !req.IsMeta() && m.Successful == nil {
		return false
	}
	if req.Channel == MetaHandshake && m.IsMeta() && m.Failed() {
		return true
	}
	if req.ID != "" && m.ID != "" {
		return req.ID == m.ID
	}
	return req.Channel == m.Channel
}

func transportError(op string, err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	return &TransportError{Op: op, Err: err}
}

func (e *Engine) updateAdvice(update Advice) {
	e.adviceLock.Lock()
	e.advice = MergeAdvice(e.advice, update)
	e.adviceLock.Unlock()

	logger := e.logger.WithField("at", "advice")
	if update.MultipleClients != nil && *update.MultipleClients {
		logger.Info("server detected multiple clients")
	}
	if len(update.Hosts) > 0 {
		logger.WithField("hosts", update.Hosts).Info("server advised alternate hosts")
	}
}

func (e *Engine) effectiveAdvice() Advice {
	return e.Advice().ForTransport(e.transport.ConnectionType())
}

// connectCeiling bounds a /meta/connect: the advised hold time plus the
// network allowance
func (e *Engine) connectCeiling() time.Duration {
	advice := e.effectiveAdvice()
	timeout := defaultConnectTimeout
	if advice.Timeout != nil {
		timeout = positive(advice.TimeoutAsDuration())
	}
	return timeout + e.maxNetworkDelay
}

func (e *Engine) connectionTypes() []string {
	types := make([]string, 0, len(e.transports))
	for _, t := range e.transports {
		types = append(types, t.ConnectionType())
	}
	return types
}

func (e *Engine) dispatch(m *Message) {
	Dispatch(e.handler, m)
}

func (e *Engine) outgoing(m *Message) {
	e.extLock.RLock()
	defer e.extLock.RUnlock()
	for _, ext := range e.exts {
		ext.Outgoing(m)
	}
}

func (e *Engine) incoming(m *Message) {
	e.extLock.RLock()
	defer e.extLock.RUnlock()
	for _, ext := range e.exts {
		ext.Incoming(m)
	}
}

func (e *Engine) established() bool {
	return e.stateMachine.IsConnected() && e.state.GetClientID() != ""
}

// fail tears the session down after an unrecoverable error
func (e *Engine) fail() {
	_ = e.closeConnection()
	e.resetSession()
	_ = e.stateMachine.ProcessEvent(failure)
}

func (e *Engine) resetSession() {
	e.state.SetClientID("")
	e.halted = false
	e.interpreter.Reset()
	e.subscriptions.Clear()
	e.adviceLock.Lock()
	e.advice = Advice{}
	e.adviceLock.Unlock()
}

func (e *Engine) openConnection(ctx context.Context) error {
	if e.interrupted() {
		return &TransportError{Op: "open", Err: ErrConnectionClosed}
	}

	ctx, cancel := context.WithTimeout(ctx, e.maxNetworkDelay)
	defer cancel()
	conn, err := e.transport.Open(ctx, e.endpoint)
	if err != nil {
		return &TransportError{Op: "open", Err: err}
	}

	e.connLock.Lock()
	defer e.connLock.Unlock()
	if e.closed {
		_ = conn.Close()
		return &TransportError{Op: "open", Err: ErrConnectionClosed}
	}
	e.conn = conn
	return nil
}

func (e *Engine) reopenConnection(ctx context.Context) error {
	_ = e.closeConnection()
	return e.openConnection(ctx)
}

func (e *Engine) connection() Connection {
	e.connLock.Lock()
	defer e.connLock.Unlock()
	return e.conn
}

func (e *Engine) closeConnection() error {
	e.connLock.Lock()
	conn := e.conn
	e.conn = nil
	e.connLock.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (e *Engine) resetInterrupt() {
	e.connLock.Lock()
	defer e.connLock.Unlock()
	if e.closed {
		e.closed = false
		e.interrupt = make(chan struct{})
	}
}

func (e *Engine) interrupted() bool {
	e.connLock.Lock()
	defer e.connLock.Unlock()
	return e.closed
}

// wait sleeps for d unless ctx is done or Close is called first
func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	e.connLock.Lock()
	interrupt := e.interrupt
	e.connLock.Unlock()

	if d <= 0 {
		select {
		case <-interrupt:
			return ErrConnectionClosed
		default:
			return ctx.Err()
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-interrupt:
		return ErrConnectionClosed
	case <-timer.C:
		return nil
	}
}

type clientState struct {
	clientID string
	lock     sync.RWMutex
}

func (cs *clientState) GetClientID() string {
	cs.lock.RLock()
	defer cs.lock.RUnlock()
	return cs.clientID
}

func (cs *clientState) SetClientID(clientID string) {
	cs.lock.Lock()
	defer cs.lock.Unlock()
	cs.clientID = clientID
}

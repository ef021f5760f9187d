package bayeux_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fayeclient/bayeux"
	"github.com/fayeclient/bayeux/internal/bayeuxtest"
)

const endpoint = "wss://bayeux.example.com/cometd"

type recordingHandler struct {
	bayeux.NopHandler

	mu       sync.Mutex
	events   []string
	messages []bayeux.Message
}

func (h *recordingHandler) record(event string, m *bayeux.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	h.messages = append(h.messages, *m)
}

func (h *recordingHandler) OnHandshake(m *bayeux.Message) { h.record("handshake", m) }
func (h *recordingHandler) OnConnect(m *bayeux.Message)   { h.record("connect", m) }
func (h *recordingHandler) OnSubscribe(m *bayeux.Message) { h.record("subscribe", m) }
func (h *recordingHandler) OnMessage(m *bayeux.Message)   { h.record("message", m) }
func (h *recordingHandler) OnError(m *bayeux.Message)     { h.record("error", m) }

func (h *recordingHandler) OnUnsubscribe(m *bayeux.Message) { h.record("unsubscribe", m) }

func (h *recordingHandler) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func newStartedServer(t *testing.T, opts ...bayeuxtest.ServerOpts) *bayeuxtest.Server {
	t.Helper()
	server := bayeuxtest.NewServer(t, opts...)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("failed to start test server (%v)", err)
	}
	t.Cleanup(func() {
		_ = server.Stop(context.Background())
	})
	return server
}

func newEngine(t *testing.T, server *bayeuxtest.Server, opts ...bayeux.Option) *bayeux.Engine {
	t.Helper()
	opts = append([]bayeux.Option{bayeux.WithTransport(server.Transport())}, opts...)
	engine, err := bayeux.NewEngine(opts...)
	if err != nil {
		t.Fatalf("failed to create engine (%v)", err)
	}
	return engine
}

func newConnectedEngine(t *testing.T, server *bayeuxtest.Server, opts ...bayeux.Option) *bayeux.Engine {
	t.Helper()
	engine := newEngine(t, server, opts...)
	if err := engine.Connect(context.Background(), endpoint); err != nil {
		t.Fatalf("expected Connect() to succeed but got %v", err)
	}
	return engine
}

func channelsOf(msgs []bayeux.Message) []bayeux.Channel {
	channels := make([]bayeux.Channel, 0, len(msgs))
	for _, m := range msgs {
		channels = append(channels, m.Channel)
	}
	return channels
}

func countChannel(msgs []bayeux.Message, channel bayeux.Channel) int {
	count := 0
	for _, m := range msgs {
		if m.Channel == channel {
			count++
		}
	}
	return count
}

func TestNewEngine(t *testing.T) {
	if _, err := bayeux.NewEngine(); !errors.Is(err, bayeux.ErrNoSupportedConnectionTypes) {
		t.Errorf("expected ErrNoSupportedConnectionTypes without transports, got %v", err)
	}

	server := bayeuxtest.NewServer(t, bayeuxtest.WithConnectionType("carrier-pigeon"))
	_, err := bayeux.NewEngine(bayeux.WithTransport(server.Transport()))
	var bad bayeux.BadConnectionTypeError
	if !errors.As(err, &bad) {
		t.Fatalf("expected BadConnectionTypeError, got %v", err)
	}
	if bad.ConnectionType != "carrier-pigeon" {
		t.Errorf("expected connection type carrier-pigeon, got %q", bad.ConnectionType)
	}
}

func TestEngineConnect(t *testing.T) {
	server := newStartedServer(t)
	handler := &recordingHandler{}
	engine := newConnectedEngine(t, server, bayeux.WithHandler(handler))

	if !engine.IsConnected() {
		t.Error("expected engine to be connected")
	}
	if !engine.IsOpened() {
		t.Error("expected engine to be opened")
	}
	if engine.ClientID() == "" {
		t.Error("expected a client id after handshake")
	}
	if got := engine.State(); got != "CONNECTED" {
		t.Errorf("expected state CONNECTED, got %s", got)
	}

	received := server.Received()
	if len(received) != 2 {
		t.Fatalf("expected handshake and connect, got %v", channelsOf(received))
	}

	handshake := received[0]
	if handshake.Channel != bayeux.MetaHandshake {
		t.Errorf("expected first message on %s, got %s", bayeux.MetaHandshake, handshake.Channel)
	}
	if handshake.ClientID != "" {
		t.Errorf("expected handshake without clientId, got %q", handshake.ClientID)
	}
	if handshake.Version != bayeux.ProtocolVersion {
		t.Errorf("expected version %s, got %q", bayeux.ProtocolVersion, handshake.Version)
	}
	if len(handshake.SupportedConnectionTypes) != 1 || handshake.SupportedConnectionTypes[0] != bayeux.ConnectionTypeWebSocket {
		t.Errorf("expected [websocket] supported connection types, got %v", handshake.SupportedConnectionTypes)
	}

	connect := received[1]
	if connect.Channel != bayeux.MetaConnect {
		t.Errorf("expected second message on %s, got %s", bayeux.MetaConnect, connect.Channel)
	}
	if connect.ClientID != engine.ClientID() {
		t.Errorf("expected connect with clientId %q, got %q", engine.ClientID(), connect.ClientID)
	}
	if connect.ConnectionType != bayeux.ConnectionTypeWebSocket {
		t.Errorf("expected connectionType websocket, got %q", connect.ConnectionType)
	}

	events := handler.Events()
	if strings.Join(events, ",") != "handshake,connect" {
		t.Errorf("expected handshake then connect to be dispatched, got %v", events)
	}

	advice := engine.Advice()
	if advice.Timeout == nil || *advice.Timeout != 30000 {
		t.Errorf("expected the handshake's timeout advice to be kept, got %+v", advice)
	}
}

func TestEngineConnectTwice(t *testing.T) {
	server := newStartedServer(t)
	engine := newConnectedEngine(t, server)

	err := engine.Connect(context.Background(), endpoint)
	var badState *bayeux.BadStateError
	if !errors.As(err, &badState) {
		t.Fatalf("expected BadStateError from a second Connect(), got %v", err)
	}
	if !engine.IsConnected() {
		t.Error("expected the session to survive a rejected Connect()")
	}
}

func TestEngineHandshakeFailures(t *testing.T) {
	testCases := []struct {
		name       string
		opts       []bayeuxtest.ServerOpts
		reason     string
		underlying error
	}{
		{
			name:   "missing client id",
			opts:   []bayeuxtest.ServerOpts{bayeuxtest.WithoutClientID()},
			reason: "missing client id",
		},
		{
			name:   "unsuccessful response",
			opts:   []bayeuxtest.ServerOpts{bayeuxtest.WithHandshakeFailure("403::authentication failed")},
			reason: "403::authentication failed",
		},
		{
			name:       "no common connection type",
			opts:       []bayeuxtest.ServerOpts{bayeuxtest.WithSupportedConnectionTypes(bayeux.ConnectionTypeLongPolling)},
			underlying: bayeux.ErrNoSupportedConnectionTypes,
		},
		{
			name:       "transport cannot open",
			opts:       []bayeuxtest.ServerOpts{bayeuxtest.WithOpenError(errors.New("dial refused"))},
			underlying: nil,
		},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			server := newStartedServer(t, tc.opts...)
			engine := newEngine(t, server)

			err := engine.Connect(context.Background(), endpoint)
			if err == nil {
				t.Fatal("expected Connect() to fail")
			}
			if tc.reason != "" {
				var hfe *bayeux.HandshakeFailedError
				if !errors.As(err, &hfe) {
					t.Fatalf("expected HandshakeFailedError, got %T (%v)", err, err)
				}
				if hfe.Reason != tc.reason {
					t.Errorf("expected reason %q, got %q", tc.reason, hfe.Reason)
				}
			}
			if tc.underlying != nil && !errors.Is(err, tc.underlying) {
				t.Errorf("expected %v to wrap %v", err, tc.underlying)
			}

			if engine.IsConnected() || engine.IsOpened() {
				t.Error("expected no session after a failed handshake")
			}
			if got := engine.State(); got != "FAILED" {
				t.Errorf("expected state FAILED, got %s", got)
			}
			if countChannel(server.Received(), bayeux.MetaConnect) != 0 {
				t.Error("expected no connect after a failed handshake")
			}
		})
	}
}

func TestEngineConnectAfterFailure(t *testing.T) {
	server := newStartedServer(t, bayeuxtest.WithConnectFailure(1, bayeux.Advice{Reconnect: bayeux.ReconnectNone}))
	engine := newEngine(t, server)

	var terminal *bayeux.TerminalError
	if err := engine.Connect(context.Background(), endpoint); !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalError from the first Connect(), got %v", err)
	}
	if err := engine.Connect(context.Background(), endpoint); err != nil {
		t.Fatalf("expected Connect() from the failed state to succeed, got %v", err)
	}
	if !engine.IsConnected() {
		t.Error("expected engine to be connected")
	}
}

func TestEngineNotConnected(t *testing.T) {
	server := newStartedServer(t)
	engine := newEngine(t, server)
	ctx := context.Background()

	if err := engine.Subscribe(ctx, []bayeux.Channel{"/foo"}); !errors.Is(err, bayeux.ErrClientNotConnected) {
		t.Errorf("expected Subscribe() to fail with ErrClientNotConnected, got %v", err)
	}
	if err := engine.Unsubscribe(ctx, []bayeux.Channel{"/foo"}); !errors.Is(err, bayeux.ErrClientNotConnected) {
		t.Errorf("expected Unsubscribe() to fail with ErrClientNotConnected, got %v", err)
	}
	if _, err := engine.Publish(ctx, "/foo", map[string]int{"a": 1}); !errors.Is(err, bayeux.ErrClientNotConnected) {
		t.Errorf("expected Publish() to fail with ErrClientNotConnected, got %v", err)
	}
	if err := engine.Poll(ctx); !errors.Is(err, bayeux.ErrClientNotConnected) {
		t.Errorf("expected Poll() to fail with ErrClientNotConnected, got %v", err)
	}
	if err := engine.Disconnect(ctx); !errors.Is(err, bayeux.ErrClientNotConnected) {
		t.Errorf("expected Disconnect() to fail with ErrClientNotConnected, got %v", err)
	}

	if received := server.Received(); len(received) != 0 {
		t.Errorf("expected nothing on the wire, got %v", channelsOf(received))
	}
}

func TestEngineSubscribe(t *testing.T) {
	server := newStartedServer(t, bayeuxtest.WithDeniedSubscription("/private", "denied"))
	handler := &recordingHandler{}
	engine := newConnectedEngine(t, server, bayeux.WithHandler(handler))
	ctx := context.Background()

	if err := engine.Subscribe(ctx, []bayeux.Channel{"/chat/*", "/news"}); err != nil {
		t.Fatalf("expected Subscribe() to succeed, got %v", err)
	}
	got := engine.Subscriptions()
	if len(got) != 2 || got[0] != "/chat/*" || got[1] != "/news" {
		t.Errorf("expected [/chat/* /news] subscriptions, got %v", got)
	}

	err := engine.Subscribe(ctx, []bayeux.Channel{"/private"})
	var sfe *bayeux.SubscriptionFailedError
	if !errors.As(err, &sfe) {
		t.Fatalf("expected SubscriptionFailedError, got %v", err)
	}
	if !strings.Contains(sfe.Reason, "denied") {
		t.Errorf("expected reason to mention denied, got %q", sfe.Reason)
	}
	if !engine.IsConnected() {
		t.Error("expected a refused subscription to leave the session connected")
	}

	if err := engine.Unsubscribe(ctx, []bayeux.Channel{"/news"}); err != nil {
		t.Fatalf("expected Unsubscribe() to succeed, got %v", err)
	}
	if got := engine.Subscriptions(); len(got) != 1 || got[0] != "/chat/*" {
		t.Errorf("expected [/chat/*] after unsubscribe, got %v", got)
	}

	err = engine.Unsubscribe(ctx, []bayeux.Channel{"/never"})
	var ufe *bayeux.UnsubscribeFailedError
	if !errors.As(err, &ufe) {
		t.Fatalf("expected UnsubscribeFailedError, got %v", err)
	}

	if n := countChannel(server.Received(), bayeux.MetaSubscribe); n != 2 {
		t.Errorf("expected 2 subscribe requests, got %d", n)
	}
}

func TestEngineEmptySubscribe(t *testing.T) {
	server := newStartedServer(t)
	engine := newConnectedEngine(t, server)
	before := len(server.Received())

	if err := engine.Subscribe(context.Background(), nil); err != nil {
		t.Errorf("expected an empty Subscribe() to succeed, got %v", err)
	}
	if err := engine.Unsubscribe(context.Background(), []bayeux.Channel{}); err != nil {
		t.Errorf("expected an empty Unsubscribe() to succeed, got %v", err)
	}
	if after := len(server.Received()); after != before {
		t.Errorf("expected no requests for empty channel lists, got %d new", after-before)
	}
}

func TestEnginePublish(t *testing.T) {
	server := newStartedServer(t)
	handler := &recordingHandler{}
	engine := newConnectedEngine(t, server, bayeux.WithHandler(handler))
	ctx := context.Background()

	if err := engine.Subscribe(ctx, []bayeux.Channel{"/chat/*"}); err != nil {
		t.Fatalf("expected Subscribe() to succeed, got %v", err)
	}

	ack, err := engine.Publish(ctx, "/chat/room", map[string]string{"text": "hello"})
	if err != nil {
		t.Fatalf("expected Publish() to succeed, got %v", err)
	}
	if !ack.IsSuccessful() || ack.Channel != "/chat/room" {
		t.Errorf("expected a successful ack on /chat/room, got %+v", ack)
	}

	// the echoed delivery arrives ahead of the ack and must be dispatched
	// before Publish returns
	events := handler.Events()
	if events[len(events)-1] != "message" {
		t.Fatalf("expected the delivery to be dispatched, got %v", events)
	}
	handler.mu.Lock()
	delivery := handler.messages[len(handler.messages)-1]
	onRoom := countChannel(handler.messages, "/chat/room")
	handler.mu.Unlock()
	if string(delivery.Data) != `{"text":"hello"}` {
		t.Errorf("expected the published data to round-trip, got %s", delivery.Data)
	}
	if delivery.Successful != nil {
		t.Errorf("expected the handler to see the delivery, not the ack, got %+v", delivery)
	}
	if onRoom != 1 {
		t.Errorf("expected only the delivery to reach the handler, got %d messages on /chat/room", onRoom)
	}

	testCases := []struct {
		name    string
		channel bayeux.Channel
		data    any
	}{
		{"meta channel", bayeux.MetaConnect, "x"},
		{"wildcard channel", "/chat/*", "x"},
		{"missing data", "/chat/room", nil},
	}
	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Publish(ctx, tc.channel, tc.data)
			var pfe *bayeux.PublishFailedError
			if !errors.As(err, &pfe) {
				t.Errorf("expected PublishFailedError, got %v", err)
			}
		})
	}
}

func TestEngineDispatchOrder(t *testing.T) {
	server := newStartedServer(t)
	handler := &recordingHandler{}
	engine := newConnectedEngine(t, server, bayeux.WithHandler(handler))
	ctx := context.Background()

	if err := engine.Subscribe(ctx, []bayeux.Channel{"/stocks/**"}); err != nil {
		t.Fatalf("expected Subscribe() to succeed, got %v", err)
	}
	server.Publish("/stocks/nyse/ibm", `{"price":1}`)
	server.Publish("/stocks/nyse/aapl", `{"price":2}`)

	if err := engine.Poll(ctx); err != nil {
		t.Fatalf("expected Poll() to succeed, got %v", err)
	}

	want := "handshake,connect,subscribe,message,message,connect"
	if got := strings.Join(handler.Events(), ","); got != want {
		t.Errorf("expected events %s, got %s", want, got)
	}
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.messages[3].Channel != "/stocks/nyse/ibm" || handler.messages[4].Channel != "/stocks/nyse/aapl" {
		t.Errorf("expected deliveries in arrival order, got %s then %s", handler.messages[3].Channel, handler.messages[4].Channel)
	}
}

func TestEngineDisconnect(t *testing.T) {
	testCases := []struct {
		name string
		opts []bayeuxtest.ServerOpts
	}{
		{"clean disconnect", nil},
		{"disconnect send fails", []bayeuxtest.ServerOpts{bayeuxtest.WithSendError(bayeux.MetaDisconnect, errors.New("broken pipe"))}},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			server := newStartedServer(t, tc.opts...)
			engine := newConnectedEngine(t, server)
			if err := engine.Subscribe(context.Background(), []bayeux.Channel{"/foo"}); err != nil {
				t.Fatalf("expected Subscribe() to succeed, got %v", err)
			}

			if err := engine.Disconnect(context.Background()); err != nil {
				t.Fatalf("expected Disconnect() to succeed, got %v", err)
			}
			if engine.IsConnected() {
				t.Error("expected IsConnected() to be false after Disconnect()")
			}
			if engine.IsOpened() {
				t.Error("expected IsOpened() to be false after Disconnect()")
			}
			if engine.ClientID() != "" {
				t.Errorf("expected client id to be cleared, got %q", engine.ClientID())
			}
			if len(engine.Subscriptions()) != 0 {
				t.Errorf("expected subscriptions to be cleared, got %v", engine.Subscriptions())
			}
			if got := engine.State(); got != "IDLE" {
				t.Errorf("expected state IDLE, got %s", got)
			}
			if countChannel(server.Received(), bayeux.MetaDisconnect) != 1 {
				t.Error("expected exactly one disconnect attempt")
			}
		})
	}
}

func TestEngineRetryAdvice(t *testing.T) {
	server := newStartedServer(t,
		bayeuxtest.WithConnectFailure(2, bayeux.Advice{Reconnect: bayeux.ReconnectRetry, Interval: bayeux.Millis(0)}),
	)
	engine := newConnectedEngine(t, server)

	if err := engine.Poll(context.Background()); err != nil {
		t.Fatalf("expected Poll() to recover by retrying, got %v", err)
	}
	if n := countChannel(server.Received(), bayeux.MetaConnect); n != 3 {
		t.Errorf("expected 3 connects, got %d", n)
	}
	if n := countChannel(server.Received(), bayeux.MetaHandshake); n != 1 {
		t.Errorf("expected a retry to keep the session, got %d handshakes", n)
	}
	if server.Opens() != 1 {
		t.Errorf("expected a refused connect to keep the connection, got %d opens", server.Opens())
	}
}

func TestEngineHandshakeAdvice(t *testing.T) {
	server := newStartedServer(t,
		bayeuxtest.WithConnectFailure(2, bayeux.Advice{Reconnect: bayeux.ReconnectHandshake, Interval: bayeux.Millis(0)}),
	)
	engine := newConnectedEngine(t, server)
	ctx := context.Background()

	if err := engine.Subscribe(ctx, []bayeux.Channel{"/foo"}); err != nil {
		t.Fatalf("expected Subscribe() to succeed, got %v", err)
	}
	oldClientID := engine.ClientID()

	if err := engine.Poll(ctx); err != nil {
		t.Fatalf("expected Poll() to recover by handshaking, got %v", err)
	}

	received := server.Received()
	want := []bayeux.Channel{
		bayeux.MetaHandshake,
		bayeux.MetaConnect,
		bayeux.MetaSubscribe,
		bayeux.MetaConnect,
		bayeux.MetaHandshake,
		bayeux.MetaSubscribe,
		bayeux.MetaConnect,
	}
	got := channelsOf(received)
	if len(got) != len(want) {
		t.Fatalf("expected %v on the wire, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v on the wire, got %v", want, got)
		}
	}

	rehandshake := received[4]
	if rehandshake.ClientID != "" {
		t.Errorf("expected re-handshake without the old clientId, got %q", rehandshake.ClientID)
	}
	if received[5].ClientID != engine.ClientID() || received[6].ClientID != engine.ClientID() {
		t.Error("expected requests after the re-handshake to carry the new clientId")
	}
	if received[3].ClientID != oldClientID {
		t.Error("expected the failed connect to carry the old clientId")
	}
	if !engine.IsConnected() {
		t.Error("expected engine to be connected")
	}
}

func TestEngineReconnectNone(t *testing.T) {
	t.Run("advised on a successful connect", func(t *testing.T) {
		server := newStartedServer(t, bayeuxtest.WithConnectAdvice(bayeux.Advice{Reconnect: bayeux.ReconnectNone}))
		engine := newConnectedEngine(t, server)

		err := engine.Poll(context.Background())
		var terminal *bayeux.TerminalError
		if !errors.As(err, &terminal) {
			t.Fatalf("expected TerminalError, got %v", err)
		}
		if n := countChannel(server.Received(), bayeux.MetaConnect); n != 1 {
			t.Errorf("expected no connect after reconnect none, got %d", n)
		}
		if got := engine.State(); got != "FAILED" {
			t.Errorf("expected state FAILED, got %s", got)
		}
	})

	t.Run("advised on a failed connect", func(t *testing.T) {
		server := newStartedServer(t, bayeuxtest.WithConnectFailure(2, bayeux.Advice{Reconnect: bayeux.ReconnectNone}))
		engine := newConnectedEngine(t, server)

		err := engine.Poll(context.Background())
		var terminal *bayeux.TerminalError
		if !errors.As(err, &terminal) {
			t.Fatalf("expected TerminalError, got %v", err)
		}
		if n := countChannel(server.Received(), bayeux.MetaConnect); n != 2 {
			t.Errorf("expected no retry after reconnect none, got %d connects", n)
		}
		if engine.IsOpened() {
			t.Error("expected the connection to be closed")
		}
	})

	t.Run("negative interval", func(t *testing.T) {
		server := newStartedServer(t, bayeuxtest.WithConnectFailure(2, bayeux.Advice{Reconnect: bayeux.ReconnectRetry, Interval: bayeux.Millis(-1)}))
		engine := newConnectedEngine(t, server)

		var terminal *bayeux.TerminalError
		if err := engine.Poll(context.Background()); !errors.As(err, &terminal) {
			t.Fatalf("expected TerminalError, got %v", err)
		}
	})
}

func TestEngineMaxConnectAttempts(t *testing.T) {
	retry := bayeux.Advice{Reconnect: bayeux.ReconnectRetry, Interval: bayeux.Millis(0)}
	server := newStartedServer(t,
		bayeuxtest.WithConnectFailure(2, retry),
		bayeuxtest.WithConnectFailure(3, retry),
	)
	engine := newConnectedEngine(t, server, bayeux.WithMaxConnectAttempts(2))

	err := engine.Poll(context.Background())
	var cfe *bayeux.ConnectionFailedError
	if !errors.As(err, &cfe) {
		t.Fatalf("expected ConnectionFailedError, got %v", err)
	}
	if !errors.Is(err, bayeux.ErrFailedToConnect) {
		t.Errorf("expected %v to wrap ErrFailedToConnect", err)
	}
	if n := countChannel(server.Received(), bayeux.MetaConnect); n != 3 {
		t.Errorf("expected 3 connects, got %d", n)
	}
	if got := engine.State(); got != "FAILED" {
		t.Errorf("expected state FAILED, got %s", got)
	}
}

func TestEngineRun(t *testing.T) {
	server := newStartedServer(t, bayeuxtest.WithConnectAdvice(bayeux.Advice{Interval: bayeux.Millis(10)}))
	engine := newConnectedEngine(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := engine.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected Run() to stop with the context, got %v", err)
	}
	if n := countChannel(server.Received(), bayeux.MetaConnect); n < 3 {
		t.Errorf("expected Run() to keep polling, got %d connects", n)
	}
}

type stampExtension struct {
	mu       sync.Mutex
	outgoing []bayeux.Channel
	incoming []bayeux.Channel
}

func (e *stampExtension) Outgoing(m *bayeux.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outgoing = append(e.outgoing, m.Channel)
	m.GetExt(true)["stamp"] = "outgoing"
}

func (e *stampExtension) Incoming(m *bayeux.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.incoming = append(e.incoming, m.Channel)
}

func TestEngineExtensions(t *testing.T) {
	server := newStartedServer(t)
	ext := &stampExtension{}
	engine := newConnectedEngine(t, server,
		bayeux.WithExtension(ext),
		bayeux.WithExt("ack", true),
	)

	for _, m := range server.Received() {
		if m.Ext["stamp"] != "outgoing" {
			t.Errorf("expected %s to carry the extension's stamp, got %v", m.Channel, m.Ext)
		}
		if m.Ext["ack"] != true {
			t.Errorf("expected %s to carry the configured ext, got %v", m.Channel, m.Ext)
		}
	}
	if len(ext.outgoing) != 2 || len(ext.incoming) != 2 {
		t.Errorf("expected the extension to see 2 messages each way, got %v and %v", ext.outgoing, ext.incoming)
	}

	var already *bayeux.AlreadyRegisteredError
	if err := engine.UseExtension(ext); !errors.As(err, &already) {
		t.Errorf("expected AlreadyRegisteredError, got %v", err)
	}
}

type hangingTransport struct {
	sent chan struct{}
}

func (t *hangingTransport) ConnectionType() string { return bayeux.ConnectionTypeWebSocket }

func (t *hangingTransport) Open(context.Context, string) (bayeux.Connection, error) {
	return &hangingConnection{sent: t.sent, closed: make(chan struct{})}, nil
}

type hangingConnection struct {
	sent      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func (c *hangingConnection) Send(context.Context, bayeux.Message) error {
	select {
	case c.sent <- struct{}{}:
	default:
	}
	return nil
}

func (c *hangingConnection) Receive(ctx context.Context) (bayeux.Message, error) {
	select {
	case <-ctx.Done():
		return bayeux.Message{}, ctx.Err()
	case <-c.closed:
		return bayeux.Message{}, bayeux.ErrConnectionClosed
	}
}

func (c *hangingConnection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func TestEngineCloseUnblocksReceive(t *testing.T) {
	transport := &hangingTransport{sent: make(chan struct{}, 1)}
	engine, err := bayeux.NewEngine(bayeux.WithTransport(transport), bayeux.WithMaxNetworkDelay(time.Minute))
	if err != nil {
		t.Fatalf("failed to create engine (%v)", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- engine.Connect(context.Background(), endpoint)
	}()

	select {
	case <-transport.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake was never sent")
	}
	if err := engine.Close(); err != nil {
		t.Errorf("expected Close() to succeed, got %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, bayeux.ErrConnectionClosed) {
			t.Errorf("expected Connect() to fail with ErrConnectionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not unblock the pending receive")
	}
	if engine.IsOpened() {
		t.Error("expected IsOpened() to be false after Close()")
	}
}

// scriptedReply replaces what the server would answer to one request
type scriptedReply struct {
	messages []bayeux.Message
	err      error
	hang     bool
}

// scriptedTransport wraps the in-memory transport. Requests the script
// claims never reach the server; everything else passes through.
type scriptedTransport struct {
	*bayeuxtest.Transport

	script func(req bayeux.Message, connects int) (scriptedReply, bool)

	mu       sync.Mutex
	connects int
}

func (t *scriptedTransport) Open(ctx context.Context, endpoint string) (bayeux.Connection, error) {
	conn, err := t.Transport.Open(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return &scriptedConnection{Connection: conn, transport: t}, nil
}

func (t *scriptedTransport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *scriptedTransport) claim(req bayeux.Message) (scriptedReply, bool) {
	t.mu.Lock()
	if req.Channel == bayeux.MetaConnect {
		t.connects++
	}
	connects := t.connects
	t.mu.Unlock()
	return t.script(req, connects)
}

type scriptedConnection struct {
	bayeux.Connection
	transport *scriptedTransport

	mu      sync.Mutex
	pending []scriptedReply
}

func (c *scriptedConnection) Send(ctx context.Context, m bayeux.Message) error {
	if reply, ok := c.transport.claim(m); ok {
		c.mu.Lock()
		c.pending = append(c.pending, reply)
		c.mu.Unlock()
		return nil
	}
	return c.Connection.Send(ctx, m)
}

func (c *scriptedConnection) Receive(ctx context.Context) (bayeux.Message, error) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return c.Connection.Receive(ctx)
	}
	reply := &c.pending[0]
	switch {
	case len(reply.messages) > 0:
		m := reply.messages[0]
		reply.messages = reply.messages[1:]
		if len(reply.messages) == 0 && reply.err == nil && !reply.hang {
			c.pending = c.pending[1:]
		}
		c.mu.Unlock()
		return m, nil
	case reply.err != nil:
		err := reply.err
		c.pending = c.pending[1:]
		c.mu.Unlock()
		return bayeux.Message{}, err
	default:
		c.pending = c.pending[1:]
		c.mu.Unlock()
		<-ctx.Done()
		return bayeux.Message{}, ctx.Err()
	}
}

func newScriptedEngine(t *testing.T, server *bayeuxtest.Server, script func(bayeux.Message, int) (scriptedReply, bool), opts ...bayeux.Option) (*bayeux.Engine, *scriptedTransport) {
	t.Helper()
	transport := &scriptedTransport{Transport: server.Transport(), script: script}
	opts = append([]bayeux.Option{bayeux.WithTransport(transport)}, opts...)
	engine, err := bayeux.NewEngine(opts...)
	if err != nil {
		t.Fatalf("failed to create engine (%v)", err)
	}
	return engine, transport
}

func TestEngineMalformedConnectResponse(t *testing.T) {
	server := newStartedServer(t)
	engine, transport := newScriptedEngine(t, server, func(req bayeux.Message, connects int) (scriptedReply, bool) {
		if req.Channel == bayeux.MetaConnect && connects == 2 {
			return scriptedReply{err: &bayeux.ProtocolError{Reason: "malformed frame"}}, true
		}
		return scriptedReply{}, false
	}, bayeux.WithMaxConnectAttempts(5))

	if err := engine.Connect(context.Background(), endpoint); err != nil {
		t.Fatalf("expected Connect() to succeed but got %v", err)
	}

	err := engine.Poll(context.Background())
	var pe *bayeux.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected a ProtocolError, got %v", err)
	}
	if pe.Reason != "malformed frame" {
		t.Errorf("expected reason %q, got %q", "malformed frame", pe.Reason)
	}
	if n := transport.Connects(); n != 2 {
		t.Errorf("expected no connect after the malformed response, got %d connects", n)
	}
	if n := server.Opens(); n != 1 {
		t.Errorf("expected the connection not to be reopened, got %d opens", n)
	}
	if got := engine.State(); got != "FAILED" {
		t.Errorf("expected state FAILED, got %s", got)
	}
}

func TestEngineHandshakeAnsweredOnAnotherMetaChannel(t *testing.T) {
	testCases := []struct {
		name string
		id   string
	}{
		{"without an id", ""},
		{"with another request's id", "other"},
	}

	for _, testCase := range testCases {
		tc := testCase
		t.Run(tc.name, func(t *testing.T) {
			server := newStartedServer(t)
			engine, transport := newScriptedEngine(t, server, func(req bayeux.Message, _ int) (scriptedReply, bool) {
				if req.Channel != bayeux.MetaHandshake {
					return scriptedReply{}, false
				}
				return scriptedReply{messages: []bayeux.Message{{
					Channel:    "/meta/unsuccessful",
					ID:         tc.id,
					Successful: bayeux.Bool(false),
					Error:      "403::denied",
				}}}, true
			}, bayeux.WithMaxNetworkDelay(5*time.Second))

			start := time.Now()
			err := engine.Connect(context.Background(), endpoint)
			var hfe *bayeux.HandshakeFailedError
			if !errors.As(err, &hfe) {
				t.Fatalf("expected HandshakeFailedError, got %T (%v)", err, err)
			}
			if hfe.Reason != "403::denied" {
				t.Errorf("expected reason %q, got %q", "403::denied", hfe.Reason)
			}
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("expected the failure to end the handshake at once, took %v", elapsed)
			}
			if transport.Connects() != 0 {
				t.Error("expected no connect after a failed handshake")
			}
			if got := engine.State(); got != "FAILED" {
				t.Errorf("expected state FAILED, got %s", got)
			}
		})
	}
}

func TestEngineConnectCeiling(t *testing.T) {
	server := newStartedServer(t, bayeuxtest.WithHandshakeAdvice(bayeux.Advice{
		Reconnect: bayeux.ReconnectRetry,
		Timeout:   bayeux.Millis(0),
		Interval:  bayeux.Millis(0),
	}))
	// the second connect never gets an answer
	engine, transport := newScriptedEngine(t, server, func(req bayeux.Message, connects int) (scriptedReply, bool) {
		if req.Channel == bayeux.MetaConnect && connects == 2 {
			return scriptedReply{hang: true}, true
		}
		return scriptedReply{}, false
	}, bayeux.WithMaxNetworkDelay(100*time.Millisecond))

	if err := engine.Connect(context.Background(), endpoint); err != nil {
		t.Fatalf("expected Connect() to succeed but got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Poll(ctx); err != nil {
		t.Fatalf("expected Poll() to recover from the missing response, got %v", err)
	}
	if n := transport.Connects(); n != 3 {
		t.Errorf("expected 3 connects, got %d", n)
	}
	if n := server.Opens(); n != 2 {
		t.Errorf("expected the connection to be reopened once, got %d opens", n)
	}
	if countChannel(server.Received(), bayeux.MetaHandshake) != 1 {
		t.Error("expected the retry to keep the session")
	}
	if !engine.IsConnected() {
		t.Error("expected engine to be connected")
	}
}

func TestEngineSubscriptionResponsesInCallOrder(t *testing.T) {
	server := newStartedServer(t)
	handler := &recordingHandler{}
	engine := newConnectedEngine(t, server, bayeux.WithHandler(handler))
	ctx := context.Background()

	calls := []struct {
		event   string
		channel bayeux.Channel
	}{
		{"subscribe", "/a"},
		{"subscribe", "/b"},
		{"unsubscribe", "/a"},
		{"subscribe", "/c"},
		{"unsubscribe", "/b"},
	}
	want := make([]string, 0, len(calls))
	for _, c := range calls {
		var err error
		if c.event == "subscribe" {
			err = engine.Subscribe(ctx, []bayeux.Channel{c.channel})
		} else {
			err = engine.Unsubscribe(ctx, []bayeux.Channel{c.channel})
		}
		if err != nil {
			t.Fatalf("expected %s to %s to succeed, got %v", c.event, c.channel, err)
		}
		want = append(want, c.event+" "+string(c.channel))
	}

	handler.mu.Lock()
	got := []string{}
	for i, event := range handler.events {
		if event != "subscribe" && event != "unsubscribe" {
			continue
		}
		m := handler.messages[i]
		if len(m.Subscription) != 1 {
			t.Errorf("expected one channel on the %s response, got %v", event, m.Subscription)
			continue
		}
		got = append(got, event+" "+string(m.Subscription[0]))
	}
	handler.mu.Unlock()

	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected responses %v, got %v", want, got)
	}
	if subs := engine.Subscriptions(); len(subs) != 1 || subs[0] != "/c" {
		t.Errorf("expected [/c] to remain, got %v", subs)
	}
}

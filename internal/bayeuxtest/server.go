// Package bayeuxtest provides an in-process Bayeux server for tests. It
// answers over an in-memory bayeux.Transport and as an http.RoundTripper, so
// both the engine and the HTTP transport can be driven against it.
package bayeuxtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"

	"github.com/fayeclient/bayeux"
)

const (
	VERSION = "1.0"
)

var (
	chars    = []rune("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmonpqrstuvwxyz0123456789")
	numChars = len(chars)
)

// ErrNotRunning is returned by every entry point when the server is stopped
var ErrNotRunning = errors.New("server not running")

// Logger is satisfied by *testing.T
type Logger interface {
	Log(args ...any)
	Logf(format string, args ...any)
}

// Server is a scripted Bayeux server
type Server struct {
	log Logger

	mu       sync.Mutex
	running  bool
	subs     map[string][]bayeux.Channel
	pending  map[string][]bayeux.Message
	received []bayeux.Message
	connects int
	opens    int
	conns    []*connection

	connectionType   string
	serverTypes      []string
	handshakeAdvice  bayeux.Advice
	handshakeError   bool
	handshakeFailure string
	omitClientID     bool
	denied           map[bayeux.Channel]string
	connectAdvice    *bayeux.Advice
	connectFailures  map[int]bayeux.Advice
	sendErrors       map[bayeux.Channel]error
	openError        error
}

// NewServer creates a stopped Server
func NewServer(logger Logger, opts ...ServerOpts) *Server {
	server := &Server{
		log:            logger,
		subs:           make(map[string][]bayeux.Channel),
		pending:        make(map[string][]bayeux.Message),
		connectionType: bayeux.ConnectionTypeWebSocket,
		serverTypes:    []string{bayeux.ConnectionTypeWebSocket, bayeux.ConnectionTypeLongPolling},
		handshakeAdvice: bayeux.Advice{
			Reconnect: bayeux.ReconnectRetry,
			Timeout:   bayeux.Millis(30000),
			Interval:  bayeux.Millis(0),
		},
		denied:          make(map[bayeux.Channel]string),
		connectFailures: make(map[int]bayeux.Advice),
		sendErrors:      make(map[bayeux.Channel]error),
	}

	for _, opt := range opts {
		opt.apply(server)
	}

	return server
}

// Start makes the server accept requests
func (s *Server) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = true

	return nil
}

// Stop makes the server refuse requests and closes every open connection
func (s *Server) Stop(context.Context) error {
	s.mu.Lock()
	s.running = false
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

// Received returns a copy of every message the server has been sent, in
// order
func (s *Server) Received() []bayeux.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bayeux.Message(nil), s.received...)
}

// Opens returns how many in-memory connections have been opened
func (s *Server) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Publish queues a delivery on channel for every session subscribed to it.
// Deliveries are flushed ahead of the session's next connect response.
func (s *Server) Publish(channel bayeux.Channel, data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueDeliveries(channel, json.RawMessage(data))
}

func (s *Server) queueDeliveries(channel bayeux.Channel, data json.RawMessage) {
	for clientID, patterns := range s.subs {
		for _, pattern := range patterns {
			if pattern.Match(channel) {
				s.pending[clientID] = append(s.pending[clientID], bayeux.Message{
					Channel: channel,
					ID:      generateID(5),
					Data:    data,
				})
				break
			}
		}
	}
}

// Handle processes one request and returns the server's replies
func (s *Server) Handle(msg bayeux.Message) []bayeux.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle(msg)
}

func (s *Server) handle(msg bayeux.Message) []bayeux.Message {
	s.received = append(s.received, msg)

	switch msg.Channel {
	case bayeux.MetaHandshake:
		if s.handshakeFailure != "" {
			return []bayeux.Message{{
				Channel:    bayeux.MetaHandshake,
				ID:         msg.ID,
				Successful: bayeux.Bool(false),
				Error:      s.handshakeFailure,
				Advice:     &bayeux.Advice{Reconnect: bayeux.ReconnectNone},
			}}
		}

		reply := bayeux.Message{
			Channel:                  bayeux.MetaHandshake,
			ID:                       msg.ID,
			Version:                  VERSION,
			SupportedConnectionTypes: s.serverTypes,
			Successful:               bayeux.Bool(true),
			AuthSuccessful:           true,
		}
		advice := s.handshakeAdvice
		reply.Advice = &advice
		if !s.omitClientID {
			reply.ClientID = generateID(10)
			s.subs[reply.ClientID] = []bayeux.Channel{}
		}
		return []bayeux.Message{reply}

	case bayeux.MetaConnect:
		s.connects++
		if advice, ok := s.connectFailures[s.connects]; ok {
			return []bayeux.Message{{
				Channel:    bayeux.MetaConnect,
				ID:         msg.ID,
				ClientID:   msg.ClientID,
				Successful: bayeux.Bool(false),
				Error:      "402::unknown client",
				Advice:     &advice,
			}}
		}
		if _, ok := s.subs[msg.ClientID]; !ok {
			return []bayeux.Message{{
				Channel:    bayeux.MetaConnect,
				ID:         msg.ID,
				ClientID:   msg.ClientID,
				Successful: bayeux.Bool(false),
				Error:      "402::unknown client",
				Advice:     &bayeux.Advice{Reconnect: bayeux.ReconnectHandshake},
			}}
		}

		replies := s.pending[msg.ClientID]
		delete(s.pending, msg.ClientID)
		reply := bayeux.Message{
			Channel:    bayeux.MetaConnect,
			ID:         msg.ID,
			ClientID:   msg.ClientID,
			Successful: bayeux.Bool(true),
		}
		if s.connectAdvice != nil {
			advice := *s.connectAdvice
			reply.Advice = &advice
		}
		return append(replies, reply)

	case bayeux.MetaSubscribe:
		reply := bayeux.Message{
			Channel:      bayeux.MetaSubscribe,
			ID:           msg.ID,
			ClientID:     msg.ClientID,
			Successful:   bayeux.Bool(true),
			Subscription: msg.Subscription,
		}
		for _, ch := range msg.Subscription {
			if reason, ok := s.denied[ch]; ok {
				reply.Successful = bayeux.Bool(false)
				reply.Error = fmt.Sprintf("403:%s:%s", ch, reason)
				return []bayeux.Message{reply}
			}
		}
		for _, ch := range msg.Subscription {
			if !containsChannel(s.subs[msg.ClientID], ch) {
				s.subs[msg.ClientID] = append(s.subs[msg.ClientID], ch)
			}
		}
		return []bayeux.Message{reply}

	case bayeux.MetaUnsubscribe:
		reply := bayeux.Message{
			Channel:      bayeux.MetaUnsubscribe,
			ID:           msg.ID,
			ClientID:     msg.ClientID,
			Successful:   bayeux.Bool(true),
			Subscription: msg.Subscription,
		}

		subs := []bayeux.Channel{}
		found := 0
		for _, ch := range s.subs[msg.ClientID] {
			if containsChannel(msg.Subscription, ch) {
				found++
				continue
			}
			subs = append(subs, ch)
		}
		s.subs[msg.ClientID] = subs

		if found != len(msg.Subscription) {
			reply.Successful = bayeux.Bool(false)
			reply.Error = fmt.Sprintf("403:%s:not subscribed", msg.Subscription[0])
		}
		return []bayeux.Message{reply}

	case bayeux.MetaDisconnect:
		delete(s.subs, msg.ClientID)
		delete(s.pending, msg.ClientID)
		return []bayeux.Message{{
			Channel:    bayeux.MetaDisconnect,
			ID:         msg.ID,
			ClientID:   msg.ClientID,
			Successful: bayeux.Bool(true),
		}}
	}

	if msg.Channel.IsMeta() {
		s.log.Logf("unhandled: %+v", msg)
		return []bayeux.Message{{
			Channel:    msg.Channel,
			ID:         msg.ID,
			Successful: bayeux.Bool(false),
			Error:      fmt.Sprintf("400:%s:unknown channel", msg.Channel),
		}}
	}

	// a publish: the publisher sees its own delivery ahead of the ack when
	// it is subscribed
	var replies []bayeux.Message
	for _, pattern := range s.subs[msg.ClientID] {
		if pattern.Match(msg.Channel) {
			replies = append(replies, bayeux.Message{
				Channel: msg.Channel,
				ID:      generateID(5),
				Data:    msg.Data,
			})
			break
		}
	}
	for clientID, patterns := range s.subs {
		if clientID == msg.ClientID {
			continue
		}
		for _, pattern := range patterns {
			if pattern.Match(msg.Channel) {
				s.pending[clientID] = append(s.pending[clientID], bayeux.Message{
					Channel: msg.Channel,
					ID:      generateID(5),
					Data:    msg.Data,
				})
				break
			}
		}
	}
	return append(replies, bayeux.Message{
		Channel:    msg.Channel,
		ID:         msg.ID,
		Successful: bayeux.Bool(true),
	})
}

// RoundTrip answers a long-polling POST carrying a JSON array of messages
func (s *Server) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, ErrNotRunning
	}

	defer func() {
		if err := req.Body.Close(); err != nil {
			s.log.Logf("could not close test server request body: %+v", err)
		}
	}()

	var msgs []bayeux.Message

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("issue reading body (%w)", err)
	}

	if err := json.Unmarshal(body, &msgs); err != nil {
		return &http.Response{
			StatusCode: http.StatusUnprocessableEntity,
			Status:     http.StatusText(http.StatusUnprocessableEntity),
			Body:       io.NopCloser(bytes.NewReader(nil)),
		}, nil
	}

	replies := []bayeux.Message{}
	for _, msg := range msgs {
		if msg.Channel == bayeux.MetaHandshake && s.handshakeError {
			// error parsing tests always get a 400 Bad Request for handshake
			return &http.Response{
				StatusCode: http.StatusBadRequest,
				Status:     http.StatusText(http.StatusBadRequest),
				Body:       io.NopCloser(bytes.NewReader([]byte(`{"error":"Invalid request"}`))),
			}, nil
		}
		replies = append(replies, s.handle(msg)...)
	}

	reply, err := json.Marshal(replies)
	if err != nil {
		return nil, fmt.Errorf("issue marshaling body (%w)", err)
	}

	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     http.StatusText(http.StatusOK),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(reply)),
	}, nil
}

func containsChannel(haystack []bayeux.Channel, needle bayeux.Channel) bool {
	for _, c := range haystack {
		if c == needle {
			return true
		}
	}
	return false
}

func generateID(length int) string {
	ret := make([]rune, length)
	for i := range ret {
		ret[i] = chars[rand.Intn(numChars)]
	}

	return string(ret)
}

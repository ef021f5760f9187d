package bayeuxtest

import "github.com/fayeclient/bayeux"

type ServerOpts interface {
	apply(s *Server)
}

type serverOptFn func(s *Server)

func (opt serverOptFn) apply(s *Server) {
	opt(s)
}

// WithHandshakeError makes RoundTrip answer every handshake with a 400
func WithHandshakeError(handshakeError bool) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.handshakeError = handshakeError
	})
}

// WithHandshakeFailure makes every handshake unsuccessful with the given
// error field
func WithHandshakeFailure(reason string) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.handshakeFailure = reason
	})
}

// WithoutClientID leaves clientId off successful handshake responses
func WithoutClientID() ServerOpts {
	return serverOptFn(func(s *Server) {
		s.omitClientID = true
	})
}

// WithHandshakeAdvice replaces the advice sent on handshake responses
func WithHandshakeAdvice(advice bayeux.Advice) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.handshakeAdvice = advice
	})
}

// WithConnectAdvice attaches advice to every successful connect response
func WithConnectAdvice(advice bayeux.Advice) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.connectAdvice = &advice
	})
}

// WithConnectFailure makes the nth connect the server sees (counting from 1)
// fail with the given advice
func WithConnectFailure(n int, advice bayeux.Advice) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.connectFailures[n] = advice
	})
}

// WithDeniedSubscription refuses subscriptions to channel
func WithDeniedSubscription(channel bayeux.Channel, reason string) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.denied[channel] = reason
	})
}

// WithSendError makes in-memory Sends of messages on channel fail with err.
// The message is still recorded as received.
func WithSendError(channel bayeux.Channel, err error) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.sendErrors[channel] = err
	})
}

// WithOpenError makes every in-memory Open fail with err
func WithOpenError(err error) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.openError = err
	})
}

// WithConnectionType sets the connection type reported by the in-memory
// transport
func WithConnectionType(connectionType string) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.connectionType = connectionType
	})
}

// WithSupportedConnectionTypes sets the types listed on handshake responses
func WithSupportedConnectionTypes(types ...string) ServerOpts {
	return serverOptFn(func(s *Server) {
		s.serverTypes = types
	})
}

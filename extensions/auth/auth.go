// Package auth attaches credentials to Bayeux sessions, either as an
// Authorization header on the underlying HTTP requests or inside the ext
// field of the handshake.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/fayeclient/bayeux"
)

// ErrNoToken is returned when the token source yields an empty token
var ErrNoToken = errors.New("no token available")

// TokenSource supplies the current access token
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns itself
type StaticToken string

// Token implements TokenSource
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// TokenFunc adapts a function to TokenSource
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// BearerTransport adds "Authorization: Bearer <token>" to requests whose
// host ends in one of HostSuffixes, or to every request when HostSuffixes
// is empty
type BearerTransport struct {
	Source       TokenSource
	HostSuffixes []string
	// Base defaults to http.DefaultTransport
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper
func (t *BearerTransport) RoundTrip(request *http.Request) (*http.Response, error) {
	if !t.matches(request.URL.Hostname()) {
		return t.base().RoundTrip(request)
	}
	token, err := t.Source.Token(request.Context())
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrNoToken
	}

	authorized := request.Clone(request.Context())
	authorized.Header.Set("Authorization", "Bearer "+token)
	return t.base().RoundTrip(authorized)
}

// Client returns an http.Client using t, for transports that take a client
func (t *BearerTransport) Client() *http.Client {
	return &http.Client{Transport: t}
}

func (t *BearerTransport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *BearerTransport) matches(host string) bool {
	if len(t.HostSuffixes) == 0 {
		return true
	}
	for _, suffix := range t.HostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// ExtKey is the ext entry servers read handshake credentials from
const ExtKey = "authentication"

// HandshakeExtension implements bayeux.MessageExtender. It puts
// {"token": <token>} under ext.authentication of every handshake.
type HandshakeExtension struct {
	source  TokenSource
	onError func(error)
}

// NewHandshakeExtension creates a HandshakeExtension. onError may be nil.
func NewHandshakeExtension(source TokenSource, onError func(error)) *HandshakeExtension {
	if onError == nil {
		onError = func(error) {}
	}
	return &HandshakeExtension{source: source, onError: onError}
}

// Outgoing implements bayeux.MessageExtender
func (e *HandshakeExtension) Outgoing(m *bayeux.Message) {
	if m.Channel != bayeux.MetaHandshake {
		return
	}
	token, err := e.source.Token(context.Background())
	if err != nil {
		e.onError(err)
		return
	}
	m.GetExt(true)[ExtKey] = map[string]any{"token": token}
}

// Incoming implements bayeux.MessageExtender
func (e *HandshakeExtension) Incoming(*bayeux.Message) {}

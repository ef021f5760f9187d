package bayeux

import "strings"

// Channel is a Bayeux channel name: a string that looks like a URL path such
// as `/foo/bar`, `/meta/connect`, or `/service/chat`.
//
// See also: https://docs.cometd.org/current/reference/#_concepts_channels
type Channel string

const (
	// MetaHandshake is the Channel for the first message a new client sends.
	MetaHandshake Channel = "/meta/handshake"
	// MetaConnect is the Channel used to maintain a session after a
	// successful handshake.
	MetaConnect Channel = "/meta/connect"
	// MetaDisconnect is the Channel used to end a session.
	MetaDisconnect Channel = "/meta/disconnect"
	// MetaSubscribe is the Channel used by a client to subscribe to channels.
	MetaSubscribe Channel = "/meta/subscribe"
	// MetaUnsubscribe is the Channel used by a client to unsubscribe from
	// channels.
	MetaUnsubscribe Channel = "/meta/unsubscribe"
	emptyChannel    Channel = ""
)

// ChannelType is used to define the three kinds of channels:
// - meta channels, channels starting with `/meta/`
// - service channels, channels starting with `/service/`
// - broadcast channels, all other channels
type ChannelType string

const (
	// MetaChannel represents the `/meta/` channel type
	MetaChannel ChannelType = "meta"
	// ServiceChannel represents the `/service/` channel type
	ServiceChannel ChannelType = "service"
	// BroadcastChannel represents all other channels
	BroadcastChannel ChannelType = "broadcast"
)

const (
	metaPrefix    string = "/meta/"
	servicePrefix string = "/service/"
)

// Type provides the type of Channel this is
func (c Channel) Type() ChannelType {
	s := string(c)
	switch {
	case strings.HasPrefix(s, metaPrefix):
		return MetaChannel
	case strings.HasPrefix(s, servicePrefix):
		return ServiceChannel
	default:
		return BroadcastChannel
	}
}

// IsMeta reports whether the channel carries protocol control messages
func (c Channel) IsMeta() bool {
	return strings.HasPrefix(string(c), metaPrefix)
}

// HasWildcard indicates whether the Channel ends with * or **
//
// See also: https://docs.cometd.org/current/reference/#_concepts_channels_wild
func (c Channel) HasWildcard() bool {
	return strings.HasSuffix(string(c), "*")
}

// IsValid does its best to check the validity of a Channel
func (c Channel) IsValid() bool {
	s := string(c)
	if !strings.HasPrefix(s, "/") {
		return false
	}

	if i := strings.Index(s, "*"); i != -1 {
		// wildcards may only make up the last segment
		last := s[strings.LastIndexByte(s, '/')+1:]
		return last == "*" || last == "**"
	}

	return true
}

// Match checks if a given Channel matches this Channel pattern.
// Wildcards are only valid after the last /.
//
// See also: https://docs.cometd.org/current/reference/#_concepts_channels_wild
func (c Channel) Match(other Channel) bool {
	return c.MatchString(string(other))
}

// MatchString checks if a given string matches this Channel pattern.
func (c Channel) MatchString(other string) bool {
	if c.HasWildcard() {
		return c.matchAgainstWildcards(other)
	}
	return string(c) == other
}

func (c Channel) matchAgainstWildcards(other string) bool {
	self := string(c)
	index := strings.LastIndexByte(self, '/')
	if index == -1 {
		return false
	}

	// prefix keeps its trailing slash so "/foo/*" does not match "/foobar/x"
	prefix := self[:index+1]
	if !strings.HasPrefix(other, prefix) {
		return false
	}

	rest := other[len(prefix):]
	if rest == "" {
		return false
	}

	switch self[index+1:] {
	case "*":
		return !strings.Contains(rest, "/")
	case "**":
		return true
	default:
		return false
	}
}

// MessageType is the closed set of classifications a received Message can
// have. It is computed by Classify.
type MessageType int

const (
	// DeliveryMessage is any message on a non-meta channel
	DeliveryMessage MessageType = iota
	// HandshakeMessage is a message on /meta/handshake
	HandshakeMessage
	// ConnectMessage is a message on /meta/connect
	ConnectMessage
	// DisconnectMessage is a message on /meta/disconnect
	DisconnectMessage
	// SubscribeMessage is a message on /meta/subscribe
	SubscribeMessage
	// UnsubscribeMessage is a message on /meta/unsubscribe
	UnsubscribeMessage
	// UnknownMetaMessage is a message on any other /meta/ channel
	UnknownMetaMessage
)

var messageTypeNames = []string{
	"delivery",
	"handshake",
	"connect",
	"disconnect",
	"subscribe",
	"unsubscribe",
	"unknown",
}

func (t MessageType) String() string {
	if int(t) < 0 || int(t) >= len(messageTypeNames) {
		return "unknown"
	}
	return messageTypeNames[t]
}

// Classify returns the MessageType of m
func Classify(m *Message) MessageType {
	return classify(m.Channel)
}

// classify maps a channel onto its MessageType
func classify(c Channel) MessageType {
	if !c.IsMeta() {
		return DeliveryMessage
	}

	switch c {
	case MetaHandshake:
		return HandshakeMessage
	case MetaConnect:
		return ConnectMessage
	case MetaDisconnect:
		return DisconnectMessage
	case MetaSubscribe:
		return SubscribeMessage
	case MetaUnsubscribe:
		return UnsubscribeMessage
	default:
		return UnknownMetaMessage
	}
}

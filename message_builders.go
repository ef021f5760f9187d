package bayeux

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ProtocolVersion is the Bayeux protocol version this client speaks
const ProtocolVersion = "1.0"

// MessageBuilder creates the canonical request messages for each meta
// operation. Every message it builds carries a copy of the builder's
// extension map, when one is set; all other optional fields are left empty.
type MessageBuilder struct {
	ext map[string]any
}

// NewMessageBuilder creates a MessageBuilder that stamps ext on every message
// it builds. ext may be nil.
func NewMessageBuilder(ext map[string]any) *MessageBuilder {
	return &MessageBuilder{ext: ext}
}

func (b *MessageBuilder) newMessage(channel Channel) Message {
	m := Message{Channel: channel}
	if len(b.ext) > 0 {
		m.Ext = make(map[string]any, len(b.ext))
		for k, v := range b.ext {
			m.Ext[k] = v
		}
	}
	return m
}

// Handshake builds a /meta/handshake request offering connectionTypes in
// preference order. Duplicates are dropped.
//
// See also: https://docs.cometd.org/current/reference/#_handshake_request
func (b *MessageBuilder) Handshake(connectionTypes []string) (Message, error) {
	offered := make([]string, 0, len(connectionTypes))
	for _, ct := range connectionTypes {
		if !isKnownConnectionType(ct) {
			return Message{}, BadConnectionTypeError{ct}
		}
		if !contains(offered, ct) {
			offered = append(offered, ct)
		}
	}
	if len(offered) < 1 {
		return Message{}, ErrNoSupportedConnectionTypes
	}

	m := b.newMessage(MetaHandshake)
	m.Version = ProtocolVersion
	m.SupportedConnectionTypes = offered
	return m, nil
}

// Connect builds a /meta/connect request
//
// See also: https://docs.cometd.org/current/reference/#_connect_request
func (b *MessageBuilder) Connect(clientID, connectionType string) (Message, error) {
	if clientID == "" {
		return Message{}, ErrMissingClientID
	}
	if connectionType == "" {
		return Message{}, ErrMissingConnectionType
	}
	if !isKnownConnectionType(connectionType) {
		return Message{}, BadConnectionTypeError{connectionType}
	}

	m := b.newMessage(MetaConnect)
	m.ClientID = clientID
	m.ConnectionType = connectionType
	return m, nil
}

// Disconnect builds a /meta/disconnect request
//
// See also: https://docs.cometd.org/current/reference/#_bayeux_meta_disconnect
func (b *MessageBuilder) Disconnect(clientID string) (Message, error) {
	if clientID == "" {
		return Message{}, ErrMissingClientID
	}

	m := b.newMessage(MetaDisconnect)
	m.ClientID = clientID
	return m, nil
}

// Subscribe builds a single /meta/subscribe request for all of channels
//
// See also: https://docs.cometd.org/current/reference/#_subscribe_request
func (b *MessageBuilder) Subscribe(clientID string, channels []Channel) (Message, error) {
	return b.subscription(MetaSubscribe, clientID, channels)
}

// Unsubscribe builds a single /meta/unsubscribe request for all of channels
//
// See also: https://docs.cometd.org/current/reference/#_unsubscribe_request
func (b *MessageBuilder) Unsubscribe(clientID string, channels []Channel) (Message, error) {
	return b.subscription(MetaUnsubscribe, clientID, channels)
}

func (b *MessageBuilder) subscription(meta Channel, clientID string, channels []Channel) (Message, error) {
	if clientID == "" {
		return Message{}, ErrMissingClientID
	}

	subs := make(Subscriptions, 0, len(channels))
	for _, c := range channels {
		if !c.IsValid() || c.IsMeta() {
			return Message{}, InvalidChannelError{c}
		}
		if !containsChannel(subs, c) {
			subs = append(subs, c)
		}
	}

	m := b.newMessage(meta)
	m.ClientID = clientID
	m.Subscription = subs
	return m, nil
}

// Publish builds a message publishing data to channel
//
// See also: https://docs.cometd.org/current/reference/#_publish
func (b *MessageBuilder) Publish(clientID string, channel Channel, data json.RawMessage) (Message, error) {
	if clientID == "" {
		return Message{}, ErrMissingClientID
	}
	if !channel.IsValid() || channel.IsMeta() || channel.HasWildcard() {
		return Message{}, InvalidChannelError{channel}
	}
	if len(data) == 0 {
		return Message{}, ErrMissingData
	}

	m := b.newMessage(channel)
	m.ClientID = clientID
	m.Data = data
	return m, nil
}

// Delivery builds a server-to-client event delivery. It never carries a
// client id so it cannot leak one session's identity to another.
//
// See also: https://docs.cometd.org/current/reference/#_delivery
func (b *MessageBuilder) Delivery(channel Channel, data json.RawMessage) (Message, error) {
	if !channel.IsValid() || channel.IsMeta() || channel.HasWildcard() {
		return Message{}, InvalidChannelError{channel}
	}
	if len(data) == 0 {
		return Message{}, ErrMissingData
	}

	m := b.newMessage(channel)
	m.Data = data
	return m, nil
}

// ValidateVersion checks that version looks like a Bayeux protocol version
func ValidateVersion(version string) error {
	if len(version) < 1 {
		return ErrNoVersion
	}
	pieces := strings.SplitN(version, ".", 2)
	if _, err := strconv.Atoi(pieces[0]); err != nil {
		return BadConnectionVersionError{version}
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsChannel(haystack []Channel, needle Channel) bool {
	for _, c := range haystack {
		if c == needle {
			return true
		}
	}
	return false
}

package bayeux

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

const (
	timestampFmt = "2006-01-02T15:04:05.00"
)

// Message represents a single Bayeux envelope, either sent to or received
// from a Bayeux server
//
// See also: https://docs.cometd.org/current/reference/#_bayeux_message_fields
type Message struct {
	// Channel is the Channel on which the message was sent. It MUST be
	// included in every message.
	//
	// See also: https://docs.cometd.org/current/reference/#_channel
	Channel Channel `json:"channel"`
	// ID is the correlation identifier of the message. Responses to
	// /meta/** requests echo the request's id.
	//
	// See also: https://docs.cometd.org/current/reference/#_bayeux_id
	ID string `json:"id,omitempty"`
	// ClientID identifies a particular session. It MUST be included in every
	// request except the handshake.
	//
	// See also: https://docs.cometd.org/current/reference/#_bayeux_clientid
	ClientID string `json:"clientId,omitempty"`
	// Data is the application payload of a publish or a delivery.
	//
	// See also: https://docs.cometd.org/current/reference/#_data
	Data json.RawMessage `json:"data,omitempty"`
	// Advice informs the client of the server's preferred mode of operation.
	//
	// See also: https://docs.cometd.org/current/reference/#_bayeux_advice
	Advice *Advice `json:"advice,omitempty"`
	// Version indicates the protocol version expected by the client/server.
	// This MUST be included in messages to/from the `/meta/handshake`
	// channel.
	//
	// See also: https://docs.cometd.org/current/reference/#_version_2
	Version string `json:"version,omitempty"`
	// MinimumVersion indicates the oldest protocol version that can be handled
	// by the client/server. This MAY be included.
	//
	// See also: https://docs.cometd.org/current/reference/#_minimumversion
	MinimumVersion string `json:"minimumVersion,omitempty"`
	// SupportedConnectionTypes lists the transports supported by the sender
	// of a `/meta/handshake` message.
	//
	// See also: https://docs.cometd.org/current/reference/#_bayeux_supported_connections
	SupportedConnectionTypes []string `json:"supportedConnectionTypes,omitempty"`
	// ConnectionType specifies the transport used by a `/meta/connect`
	// request.
	//
	// See also: https://docs.cometd.org/current/reference/#_connectiontype
	ConnectionType string `json:"connectionType,omitempty"`
	// Timestamp is an optional field in all Bayeux messages. If present, it
	// SHOULD be specified in the following ISO 8601 profile:
	// `YYYY-MM-DDThh:mm:ss.ss`
	//
	// See also: https://docs.cometd.org/current/reference/#_timestamp
	Timestamp string `json:"timestamp,omitempty"`
	// Successful indicates success or failure of a request. It is nil when
	// the server did not include the field, which is always the case for
	// event deliveries.
	//
	// See also: https://docs.cometd.org/current/reference/#_successful
	Successful *bool `json:"successful,omitempty"`
	// AuthSuccessful is not a common field but MAY be included on a handshake
	// response.
	AuthSuccessful bool `json:"authSuccessful,omitempty"`
	// Subscription lists the channels a client wishes to subscribe to or
	// unsubscribe from.
	//
	// See also: https://docs.cometd.org/current/reference/#_subscription
	Subscription Subscriptions `json:"subscription,omitempty"`
	// Error MAY describe what went wrong when Successful is false.
	//
	// See also: https://docs.cometd.org/current/reference/#_error
	Error string `json:"error,omitempty"`
	// Ext holds namespaced extension data. It is passed through unmodified.
	//
	// See also: https://docs.cometd.org/current/reference/#_bayeux_ext
	Ext map[string]any `json:"ext,omitempty"`
}

// Subscriptions is the value of the subscription field. Servers send either
// a single channel name or an array of them.
type Subscriptions []Channel

// UnmarshalJSON accepts both a string and an array of strings
func (s *Subscriptions) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var single Channel
		if err := json.Unmarshal(b, &single); err != nil {
			return err
		}
		*s = Subscriptions{single}
		return nil
	}

	var many []Channel
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = Subscriptions(many)
	return nil
}

// Bool returns a pointer to b, handy for populating Message.Successful
func Bool(b bool) *bool {
	return &b
}

// IsMeta reports whether the message is a protocol control message
func (m *Message) IsMeta() bool {
	return m.Channel.IsMeta()
}

// Type classifies the message by its channel
func (m *Message) Type() MessageType {
	return classify(m.Channel)
}

// IsSuccessful reports whether the server flagged the message as successful
func (m *Message) IsSuccessful() bool {
	return m.Successful != nil && *m.Successful
}

// Failed reports whether the server explicitly flagged the message as
// unsuccessful
func (m *Message) Failed() bool {
	return m.Successful != nil && !*m.Successful
}

// reason returns the error text of a failed response
func (m *Message) reason() string {
	if m.Error != "" {
		return m.Error
	}
	return "unknown error"
}

// TimestampAsTime returns the Timestamp in a message as a time.Time struct
func (m *Message) TimestampAsTime() (time.Time, error) {
	return time.Parse(timestampFmt, m.Timestamp)
}

// ParseError returns a struct representing the error message and parsed as
// defined in the specification.
//
// See also: https://docs.cometd.org/current/reference/#_error
func (m *Message) ParseError() (MessageError, error) {
	pieces := strings.SplitN(m.Error, ":", 3)
	if len(pieces) != 3 {
		return MessageError{}, ErrMessageUnparsable(m.Error)
	}
	errorCode, err := strconv.Atoi(pieces[0])
	if err != nil {
		return MessageError{}, err
	}
	return MessageError{
		errorCode,
		strings.Split(pieces[1], ","),
		pieces[2],
	}, nil
}

// GetExt retrieves the Ext field map. If passed `true` it will instantiate it
// if the map is not instantiated, otherwise it will just return the value of
// Ext.
func (m *Message) GetExt(create bool) map[string]any {
	if m.Ext == nil && create {
		m.Ext = make(map[string]any)
	}
	return m.Ext
}

// MessageError represents a parsed Error field of a Message
//
// See also: https://docs.cometd.org/current/reference/#_error
type MessageError struct {
	ErrorCode    int
	ErrorArgs    []string
	ErrorMessage string
}

const (
	// ConnectionTypeLongPolling is a constant for the long-polling string
	ConnectionTypeLongPolling string = "long-polling"
	// ConnectionTypeCallbackPolling is a constant for the callback-polling string
	ConnectionTypeCallbackPolling = "callback-polling"
	// ConnectionTypeIFrame is a constant for the iframe string
	ConnectionTypeIFrame = "iframe"
	// ConnectionTypeFlash is a constant for the flash string
	ConnectionTypeFlash = "flash"
	// ConnectionTypeWebSocket is a constant for the websocket string
	ConnectionTypeWebSocket = "websocket"
)

func isKnownConnectionType(connectionType string) bool {
	switch connectionType {
	case ConnectionTypeLongPolling, ConnectionTypeCallbackPolling, ConnectionTypeIFrame,
		ConnectionTypeFlash, ConnectionTypeWebSocket:
		return true
	}
	return false
}

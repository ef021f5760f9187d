package bayeux

// MessageHandler receives inbound messages once they have been classified.
// Callbacks run synchronously on the goroutine driving the engine and must
// not call back into the engine.
type MessageHandler interface {
	OnHandshake(*Message)
	OnConnect(*Message)
	OnDisconnect(*Message)
	OnSubscribe(*Message)
	OnUnsubscribe(*Message)
	// OnMessage receives application deliveries
	OnMessage(*Message)
	// OnError receives unknown meta messages and unsolicited failures
	OnError(*Message)
}

// NopHandler implements every MessageHandler callback as a no-op. Embed it
// to implement only the callbacks you care about.
type NopHandler struct{}

func (NopHandler) OnHandshake(*Message)   {}
func (NopHandler) OnConnect(*Message)     {}
func (NopHandler) OnDisconnect(*Message)  {}
func (NopHandler) OnSubscribe(*Message)   {}
func (NopHandler) OnUnsubscribe(*Message) {}
func (NopHandler) OnMessage(*Message)     {}
func (NopHandler) OnError(*Message)       {}

// Dispatch invokes exactly one of h's callbacks for m
func Dispatch(h MessageHandler, m *Message) {
	if h == nil {
		return
	}

	t := m.Type()
	if t == DeliveryMessage {
		h.OnMessage(m)
		return
	}
	if m.Failed() {
		h.OnError(m)
		return
	}

	switch t {
	case HandshakeMessage:
		h.OnHandshake(m)
	case ConnectMessage:
		h.OnConnect(m)
	case DisconnectMessage:
		h.OnDisconnect(m)
	case SubscribeMessage:
		h.OnSubscribe(m)
	case UnsubscribeMessage:
		h.OnUnsubscribe(m)
	default:
		h.OnError(m)
	}
}

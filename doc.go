// Package bayeux provides both a low-level protocol engine and a
// higher-level client that improves the ergonomics of talking to a server
// implementing the Bayeux Protocol (CometD, Faye).
//
// The Engine owns one session. It performs the handshake, keeps the
// /meta/connect loop going while honouring the server's advice, and
// dispatches every inbound message to a MessageHandler:
//
//	engine, err := bayeux.NewEngine(
//		bayeux.WithTransport(websocket.New()),
//		bayeux.WithHandler(handler),
//	)
//	if err != nil {
//		return err
//	}
//	if err := engine.Connect(ctx, "wss://example.com/cometd"); err != nil {
//		return err
//	}
//	if err := engine.Subscribe(ctx, []bayeux.Channel{"/chat/**"}); err != nil {
//		return err
//	}
//	return engine.Run(ctx)
//
// Transports live in their own packages: transport/websocket and
// transport/longpolling. Handlers embed NopHandler and override what they
// need.
//
// The Client wraps an Engine and routes deliveries to Go channels instead:
//
//	client, err := bayeux.NewClient("https://example.com/cometd",
//		bayeux.WithTransport(transport))
//	recv := make(chan bayeux.Message, 100)
//	_ = client.Subscribe(ctx, "/chat/*", recv)
//	errs := client.Start(ctx)
//
// Extensions implement MessageExtender and see every message on its way out
// and on its way in
//
//	type Example struct{}
//
//	func (e *Example) Outgoing(m *bayeux.Message) {
//		if m.Channel == bayeux.MetaHandshake {
//			m.GetExt(true)["example"] = true
//		}
//	}
//	func (e *Example) Incoming(m *bayeux.Message) {}
//
//	engine.UseExtension(&Example{})
//
// The extensions directory ships replay, auth and Prometheus metrics
// extensions.
package bayeux

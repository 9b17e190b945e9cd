// Package chatcore implements the real-time messaging core behind the
// Plately chat experience: connection lifecycle, durable offline queueing,
// typing-signal coordination, and delivery-status tracking, composed behind
// one Client facade.
//
// The UI layer talks only to [Client]. Everything else — the WebSocket
// channel, the reconnection loop, the per-conversation outboxes — is wired
// internally:
//
//	options := chatcore.NewOptions()
//	options.URL = "wss://chat.plately.app/ws"
//	options.SelfID = session.UserID
//	options.Store = queue.NewFileStore(dataDir + "/outbox.json")
//
//	client := chatcore.New(options)
//	client.OnMessage(func(msg transport.MessagePayload) {
//	    ui.AppendMessage(msg)
//	})
//	client.OnMessageStatus(func(localID, serverID string, status transport.Status) {
//	    ui.UpdateStatusIcon(localID, status)
//	})
//	client.OnConnectionState(func(state connection.State) {
//	    ui.SetBanner(state)
//	})
//
//	if err := client.Initialize(ctx, session.Credentials); err != nil {
//	    return err
//	}
//	defer client.Shutdown()
//
//	localID, _ := client.SendMessage("alice:bob", "bob", "hello")
//
// Messages sent while offline are queued durably and flushed, in order, when
// the connection comes back. Delivery is at-least-once: the server
// deduplicates on the client-generated local ID. One outbox queue runs per
// conversation, so a blocked message stalls only its own conversation.
package chatcore

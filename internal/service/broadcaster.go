package service

// Broadcaster interface for channel fan-out (implemented by the WebSocket
// hub, declared here to avoid an import cycle)
type Broadcaster interface {
	// SendToConn delivers one message to a single connection
	SendToConn(connID string, msgType string, payload interface{})
	// Publish delivers to every connection subscribed to channel, except
	// exceptConnID when it is non-empty
	Publish(channel string, msgType string, payload interface{}, exceptConnID string)
	Subscribe(connID, channel string)
	Unsubscribe(connID, channel string)
	// UnsubscribeAll drops every subscriber of channel and returns them
	UnsubscribeAll(channel string) []string
	// UnsubscribeConn drops every subscription of connID and returns the
	// channels it was bound to
	UnsubscribeConn(connID string) []string
}

// Caller identifies the connection a request arrived on
type Caller struct {
	ConnID string
	UserID string
}

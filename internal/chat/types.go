package chat

import "github.com/google/uuid"

// Transport is the send-capable handle to one peer.
type Transport interface {
	Send(payload []byte) error
	Receive() (string, error)
	Close() error
}

// Client is one live connection. Username is fixed for the client's lifetime.
type Client struct {
	ID       string
	Username string
	conn     Transport
}

func NewClient(username string, conn Transport) *Client {
	return &Client{
		ID:       uuid.NewString(),
		Username: username,
		conn:     conn,
	}
}

func (c *Client) Send(payload []byte) error {
	return c.conn.Send(payload)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

type EventType string

const (
	EventMessage   EventType = "message"
	EventUserCount EventType = "user_count"
)

// Event is a server to client payload. Both variants carry their own
// "type" discriminator so they encode directly to the wire form.
type Event interface {
	Kind() EventType
}

type MessageEvent struct {
	Type   EventType `json:"type"`
	Text   string    `json:"text"`
	Sender string    `json:"sender"`
}

func NewMessageEvent(text, sender string) MessageEvent {
	return MessageEvent{Type: EventMessage, Text: text, Sender: sender}
}

func (e MessageEvent) Kind() EventType { return EventMessage }

type UserCountEvent struct {
	Type  EventType `json:"type"`
	Count int       `json:"count"`
}

func NewUserCountEvent(count int) UserCountEvent {
	return UserCountEvent{Type: EventUserCount, Count: count}
}

func (e UserCountEvent) Kind() EventType { return EventUserCount }

var (
	ErrSendTimeout     = errorString("send_timeout")
	ErrTransportClosed = errorString("transport_closed")
	ErrPeerClosed      = errorString("peer_closed")
)

type errorString string

func (e errorString) Error() string { return string(e) }

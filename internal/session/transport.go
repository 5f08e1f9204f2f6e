package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a message-oriented socket owned by one session.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens the annotation socket.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the backend annotation endpoint with gorilla/websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer creates a dialer with the given handshake timeout.
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	d := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		d.HandshakeTimeout = handshakeTimeout
	}
	return &WebsocketDialer{dialer: &d}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

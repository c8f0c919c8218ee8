// internal/stream/conn.go
package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn — то, чем сессия пользуется от WebSocket-соединения.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer открывает соединение.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// WSDialer — Dialer поверх gorilla/websocket.
type WSDialer struct {
	d *websocket.Dialer
}

// NewDialer создаёт WSDialer с таймаутом рукопожатия.
func NewDialer(handshake time.Duration) *WSDialer {
	return &WSDialer{d: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
	}}
}

func (w *WSDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := w.d.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("stream: dial %s: %w", url, err)
	}
	return conn, nil
}

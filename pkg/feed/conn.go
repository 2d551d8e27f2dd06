package feed

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Conn is one open data-channel connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens data-channel connections. The websocket dialer is the
// production implementation; tests substitute a scripted one.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// NewDialer returns a Dialer backed by gorilla/websocket.
func NewDialer() Dialer {
	return &wsDialer{dialer: &websocket.Dialer{HandshakeTimeout: dialTimeout}}
}

type wsDialer struct {
	dialer *websocket.Dialer
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteJSON(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn is one live bidirectional connection carrying text frames.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens connections to the account gateway.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the gateway with github.com/coder/websocket.
type WebsocketDialer struct {
	ReadLimit  int64
	HTTPHeader http.Header
}

// Dial opens a websocket connection and applies the configured read limit.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	opts := &websocket.DialOptions{HTTPHeader: d.HTTPHeader}
	conn, _, err := websocket.Dial(ctx, url, opts) //nolint:bodyclose // websocket.Dial owns the handshake response body.
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read websocket: %w", err)
	}
	return data, nil
}

func (c *websocketConn) Write(ctx context.Context, frame []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

func (c *websocketConn) Ping(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping websocket: %w", err)
	}
	return nil
}

func (c *websocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

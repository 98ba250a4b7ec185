package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:   make(chan []byte, 16),
		closed:    make(chan struct{}),
		closeOnce: sync.Once{},
		mu:        sync.Mutex{},
		written:   nil,
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection reset by peer")
	case frame := <-c.inbound:
		return frame, nil
	}
}

func (c *fakeConn) Write(_ context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, frame := range c.written {
		out[i] = string(frame)
	}
	return out
}

// fakeDialer hands out connections pushed by the test; a nil entry fails the dial.
type fakeDialer struct {
	conns chan *fakeConn
	dials atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 8), dials: atomic.Int32{}}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.dials.Add(1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case conn := <-d.conns:
		if conn == nil {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	}
}

func newTestSession(t *testing.T, dialer Dialer) *Session {
	t.Helper()
	s := New(context.Background(), Options{
		URL:            "ws://ledger.test/ws",
		Dialer:         dialer,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		DialTimeout:    5 * time.Second,
	})
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

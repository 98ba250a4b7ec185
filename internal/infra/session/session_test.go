package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSendQueuesWhileConnectingAndFlushesInOrder(t *testing.T) {
	dialer := newFakeDialer()
	s := newTestSession(t, dialer)

	s.OnConnect(func() { s.Send([]byte("after-open")) })

	s.Send([]byte("first"))
	s.Send([]byte("second"))
	s.Send([]byte("third"))

	if got := s.State(); got != StateConnecting {
		t.Fatalf("expected connecting state while dial is pending, got %s", got)
	}
	if got := s.QueueLen(); got != 3 {
		t.Fatalf("expected 3 queued frames, got %d", got)
	}

	conn := newFakeConn()
	dialer.conns <- conn

	waitFor(t, "flush", func() bool { return len(conn.frames()) == 4 })
	want := []string{"first", "second", "third", "after-open"}
	for i, frame := range conn.frames() {
		if frame != want[i] {
			t.Fatalf("frame %d: expected %q, got %q", i, want[i], frame)
		}
	}
	if !s.IsOpen() {
		t.Fatalf("expected open state after flush")
	}
	if s.QueueLen() != 0 {
		t.Fatalf("expected empty queue after flush")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	dialer := newFakeDialer()
	s := newTestSession(t, dialer)

	s.Connect()
	s.Connect()
	s.Send([]byte("ping"))
	s.Connect()

	conn := newFakeConn()
	dialer.conns <- conn
	waitFor(t, "open", s.IsOpen)

	s.Connect()
	if got := dialer.dials.Load(); got != 1 {
		t.Fatalf("expected a single dial, got %d", got)
	}
}

func TestConnectivityCallbacks(t *testing.T) {
	dialer := newFakeDialer()
	s := newTestSession(t, dialer)

	var connects, disconnects, closes atomic.Int32
	s.OnConnect(func() { connects.Add(1) })
	s.OnDisconnect(func() { disconnects.Add(1) })
	s.OnClose(func() { closes.Add(1) })

	s.Connect()
	dialer.conns <- nil // initial dial fails
	waitFor(t, "closed after failed dial", func() bool { return closes.Load() == 1 })
	if disconnects.Load() != 0 {
		t.Fatalf("failed initial dial must not report a disconnect")
	}

	first := newFakeConn()
	dialer.conns <- first
	waitFor(t, "first open", func() bool { return connects.Load() == 1 })

	_ = first.Close()
	waitFor(t, "disconnect", func() bool { return disconnects.Load() == 1 })
	if closes.Load() != 2 {
		t.Fatalf("expected close observers on every closed transition, got %d", closes.Load())
	}

	second := newFakeConn()
	dialer.conns <- second
	waitFor(t, "reconnect", func() bool { return connects.Load() == 2 })
	if got := s.Generation(); got != 2 {
		t.Fatalf("expected generation 2 after reconnect, got %d", got)
	}
}

func TestInboundFramesDeliveredInOrderWithPanicIsolation(t *testing.T) {
	dialer := newFakeDialer()
	s := newTestSession(t, dialer)

	received := make(chan string, 4)
	s.OnFrame(func([]byte) { panic("observer failure") })
	s.OnFrame(func(frame []byte) { received <- string(frame) })

	conn := newFakeConn()
	s.Connect()
	dialer.conns <- conn
	waitFor(t, "open", s.IsOpen)

	conn.inbound <- []byte("one")
	conn.inbound <- []byte("two")

	for _, want := range []string{"one", "two"} {
		if got := <-received; got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestCloseStopsReconnecting(t *testing.T) {
	dialer := newFakeDialer()
	s := newTestSession(t, dialer)

	conn := newFakeConn()
	s.Connect()
	dialer.conns <- conn
	waitFor(t, "open", s.IsOpen)

	s.Close()
	if got := s.State(); got != StateClosed {
		t.Fatalf("expected closed state, got %s", got)
	}
	dials := dialer.dials.Load()
	s.Send([]byte("dropped"))
	s.Connect()
	if dialer.dials.Load() != dials {
		t.Fatalf("expected no dial after close")
	}
	if s.QueueLen() != 0 {
		t.Fatalf("expected sends after close to be dropped")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateIdle:       "idle",
		StateConnecting: "connecting",
		StateOpen:       "open",
		StateClosed:     "closed",
		State(42):       "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

// refusingDialer fails every dial and records when each attempt happened.
type refusingDialer struct {
	mu    sync.Mutex
	dials []time.Time
}

func (d *refusingDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, time.Now())
	return nil, errors.New("connection refused")
}

func (d *refusingDialer) gaps() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]time.Duration, 0, len(d.dials))
	for i := 1; i < len(d.dials); i++ {
		out = append(out, d.dials[i].Sub(d.dials[i-1]))
	}
	return out
}

func TestReconnectBackoffDoublesUpToCapAndNeverGivesUp(t *testing.T) {
	dialer := &refusingDialer{}
	s := New(context.Background(), Options{
		URL:            "ws://ledger.test/ws",
		Dialer:         dialer,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
	})
	t.Cleanup(s.Close)

	s.Connect()
	waitFor(t, "dials past the cap", func() bool { return len(dialer.gaps()) >= 6 })
	s.Close()

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
		40 * time.Millisecond,
	}
	gaps := dialer.gaps()
	for i, expected := range want {
		// timers never fire early; the upper bound only catches a missing cap
		if gaps[i] < expected-time.Millisecond || gaps[i] >= 2*expected+20*time.Millisecond {
			t.Fatalf("gap %d: expected about %v, got %v (all gaps %v)", i, expected, gaps[i], gaps)
		}
	}
}

func TestConnectCutsReconnectBackoffShort(t *testing.T) {
	dialer := newFakeDialer()
	s := New(context.Background(), Options{
		URL:            "ws://ledger.test/ws",
		Dialer:         dialer,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     5 * time.Second,
	})
	t.Cleanup(s.Close)

	s.Connect()
	dialer.conns <- nil
	waitFor(t, "closed after failed dial", func() bool { return s.State() == StateClosed })

	conn := newFakeConn()
	dialer.conns <- conn
	s.Send([]byte("urgent"))

	waitFor(t, "redial without waiting out the backoff", func() bool { return len(conn.frames()) == 1 })
	if got := conn.frames()[0]; got != "urgent" {
		t.Fatalf("expected queued frame flushed, got %q", got)
	}
	if got := dialer.dials.Load(); got != 2 {
		t.Fatalf("expected exactly two dials, got %d", got)
	}
}

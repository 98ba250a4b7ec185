// Package session owns the single socket to the account gateway: framing, outbound
// queuing while disconnected, reconnection with exponential backoff, and request/response
// correlation layered on top of the broadcast stream.
package session

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc/panics"
	"golang.org/x/time/rate"

	"github.com/coachpo/meltica-ledger/errs"
	"github.com/coachpo/meltica-ledger/internal/infra/observer"
)

const (
	defaultInitialBackoff = 250 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	pingTimeout           = 5 * time.Second
)

// State is the connection state of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Session. Zero values select the defaults.
type Options struct {
	URL            string
	Dialer         Dialer
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	// PingInterval enables the keepalive loop when positive.
	PingInterval time.Duration
	// WriteRate paces outbound frames per second; zero leaves writes unpaced.
	WriteRate float64
	Logger    *log.Logger
}

// Session multiplexes one physical connection. The Session object is reused across
// reconnects; at most one live Conn exists at a time.
type Session struct {
	url     string
	dialer  Dialer
	opts    Options
	logger  *log.Logger
	limiter *rate.Limiter
	metrics *sessionMetrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// wake cuts a reconnect backoff short when Connect is called while Closed
	wake chan struct{}

	mu         sync.Mutex
	state      State
	queue      [][]byte
	conn       Conn
	connCtx    context.Context
	connCancel context.CancelFunc
	attempt    int
	generation uint64
	running    bool
	shutdown   bool

	writeMu sync.Mutex

	frames     *observer.List[[]byte]
	connects   *observer.List[struct{}]
	disconnect *observer.List[struct{}]
	closes     *observer.List[struct{}]
}

// New constructs an idle session bound to ctx. No connection is attempted until Connect
// or Send is called.
func New(ctx context.Context, opts Options) *Session {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{ReadLimit: 0, HTTPHeader: nil}
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	var limiter *rate.Limiter
	if opts.WriteRate > 0 {
		burst := int(opts.WriteRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.WriteRate), burst)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionCtx, cancel := context.WithCancel(ctx)

	onPanic := panicLogger(logger)
	return &Session{
		url:        opts.URL,
		dialer:     opts.Dialer,
		opts:       opts,
		logger:     logger,
		limiter:    limiter,
		metrics:    newSessionMetrics(),
		ctx:        sessionCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
		mu:         sync.Mutex{},
		state:      StateIdle,
		queue:      nil,
		conn:       nil,
		connCtx:    nil,
		connCancel: nil,
		attempt:    0,
		generation: 0,
		running:    false,
		shutdown:   false,
		writeMu:    sync.Mutex{},
		frames:     observer.New[[]byte]("frames", onPanic),
		connects:   observer.New[struct{}]("connect", onPanic),
		disconnect: observer.New[struct{}]("disconnect", onPanic),
		closes:     observer.New[struct{}]("close", onPanic),
	}
}

// Connect starts the connection loop. It is a no-op while Open or Connecting. While the
// loop waits out a reconnect backoff in Closed, Connect dials immediately.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	if s.running {
		closed := s.state == StateClosed
		s.mu.Unlock()
		if closed {
			select {
			case s.wake <- struct{}{}:
			default:
			}
		}
		return
	}
	s.running = true
	s.state = StateConnecting
	s.attempt = 1
	s.mu.Unlock()

	go s.run()
}

// Close stops the reconnect loop, closes the live connection and rejects pending work
// through the OnClose observers. Queued frames are discarded.
func (s *Session) Close() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	running := s.running
	s.mu.Unlock()

	s.cancel()
	if running {
		<-s.done
		s.closes.Notify(struct{}{})
	} else {
		s.transitionClosed(nil)
	}

	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()
}

// Send transmits frame when the session is open; otherwise the frame is queued and a
// connection is started. Write failures re-queue the frame for the next connection.
func (s *Session) Send(frame []byte) {
	if len(frame) == 0 {
		return
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	if s.state != StateOpen || s.conn == nil {
		s.queue = append(s.queue, frame)
		s.mu.Unlock()
		s.metrics.queued()
		s.Connect()
		return
	}
	conn, ctx, connCancel := s.conn, s.connCtx, s.connCancel
	s.mu.Unlock()

	if err := s.write(ctx, conn, frame); err != nil {
		s.logger.Printf("session: %v", err)
		s.mu.Lock()
		s.queue = append([][]byte{frame}, s.queue...)
		s.mu.Unlock()
		s.metrics.queued()
		if connCancel != nil {
			connCancel()
		}
	}
}

// Discard withdraws a frame that is still waiting in the outbound queue. It reports
// false once the frame has been written or was never queued.
func (s *Session) Discard(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, queued := range s.queue {
		if bytes.Equal(queued, frame) {
			s.queue = append(s.queue[:i:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// SendJSON marshals v and sends it fire-and-forget.
func (s *Session) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.New("session", errs.CodeInvalid, errs.WithMessage("marshal frame"), errs.WithCause(err))
	}
	s.Send(data)
	return nil
}

// State reports the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsOpen reports whether frames are currently written straight to the socket.
func (s *Session) IsOpen() bool {
	return s.State() == StateOpen
}

// Generation counts successful opens. It changes before OnConnect observers run.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Attempt reports the dial attempt number since the last successful open.
func (s *Session) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// QueueLen reports how many frames wait for the next open.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// OnFrame registers a callback for every inbound frame, invoked in arrival order from the
// read loop.
func (s *Session) OnFrame(fn func([]byte)) func() { return s.frames.Register(fn) }

// OnConnect fires after the first open and after every reconnect, once the queue is flushed.
func (s *Session) OnConnect(fn func()) func() {
	return s.connects.Register(func(struct{}) { fn() })
}

// OnDisconnect fires only when leaving a previously open state.
func (s *Session) OnDisconnect(fn func()) func() {
	return s.disconnect.Register(func(struct{}) { fn() })
}

// OnClose fires on every transition to Closed, including failed dials.
func (s *Session) OnClose(fn func()) func() {
	return s.closes.Register(func(struct{}) { fn() })
}

func (s *Session) run() {
	defer close(s.done)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = s.opts.MaxBackoff
	bo.Reset()

	for {
		if s.ctx.Err() != nil {
			s.transitionClosed(nil)
			return
		}
		s.mu.Lock()
		s.state = StateConnecting
		s.mu.Unlock()

		conn, err := s.dial()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Printf("session: dial attempt %d: %v", s.Attempt(), err)
			}
			s.metrics.transition("dial_error")
			s.transitionClosed(nil)
		} else {
			bo.Reset()
			s.serve(conn)
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = s.opts.MaxBackoff
		}
		if !s.sleep(wait) {
			return
		}
		s.mu.Lock()
		s.attempt++
		s.mu.Unlock()
	}
}

func (s *Session) dial() (Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.DialTimeout)
	defer cancel()
	conn, err := s.dialer.Dial(ctx, s.url)
	if err != nil {
		return nil, errs.New("session", errs.CodeTransport, errs.WithOp("dial"), errs.WithCause(err))
	}
	return conn, nil
}

func (s *Session) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-s.wake:
		return true
	}
}

func (s *Session) serve(conn Conn) {
	connCtx, connCancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.conn = conn
	s.connCtx = connCtx
	s.connCancel = connCancel
	s.mu.Unlock()

	if err := s.flushAndOpen(connCtx, conn); err != nil {
		s.logger.Printf("session: flush outbound queue: %v", err)
		connCancel()
		_ = conn.Close()
		s.transitionClosed(conn)
		return
	}
	s.metrics.transition("open")
	s.connects.Notify(struct{}{})

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- s.readLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- s.pingLoop(connCtx, conn)
	}()

	firstErr := <-errCh
	connCancel()
	_ = conn.Close()
	wg.Wait()
	close(errCh)

	aggregated := firstErr
	for e := range errCh {
		if aggregated == nil || errors.Is(aggregated, context.Canceled) {
			aggregated = e
		}
	}
	if aggregated != nil && !errors.Is(aggregated, context.Canceled) && s.ctx.Err() == nil {
		s.logger.Printf("session: connection lost: %v", aggregated)
	}
	s.transitionClosed(conn)
}

// flushAndOpen drains the queue in FIFO order and flips the state to Open in the same
// critical section that observes the queue empty, so frames sent concurrently are either
// drained here or written after every queued frame.
func (s *Session) flushAndOpen(ctx context.Context, conn Conn) error {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.state = StateOpen
			s.attempt = 0
			s.generation++
			s.mu.Unlock()
			return nil
		}
		frame := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.write(ctx, conn, frame); err != nil {
			s.mu.Lock()
			s.queue = append([][]byte{frame}, s.queue...)
			s.mu.Unlock()
			return err
		}
	}
}

func (s *Session) write(ctx context.Context, conn Conn, frame []byte) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return errs.New("session", errs.CodeTransport, errs.WithMessage("write pacing"), errs.WithCause(err))
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, frame); err != nil {
		return errs.New("session", errs.CodeTransport, errs.WithOp("write"), errs.WithCause(err))
	}
	s.metrics.sent()
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}
		if len(data) == 0 {
			continue
		}
		s.frames.Notify(data)
	}
}

func (s *Session) pingLoop(ctx context.Context, conn Conn) error {
	if s.opts.PingInterval <= 0 {
		<-ctx.Done()
		return context.Canceled
	}
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return context.Canceled
				}
				return err
			}
		}
	}
}

func (s *Session) transitionClosed(conn Conn) {
	s.mu.Lock()
	if conn != nil && s.conn == conn {
		s.conn = nil
		s.connCtx = nil
		s.connCancel = nil
	}
	wasOpen := s.state == StateOpen
	alreadyClosed := s.state == StateClosed
	s.state = StateClosed
	s.mu.Unlock()

	if alreadyClosed {
		return
	}
	if wasOpen {
		s.metrics.transition("closed")
	}
	s.closes.Notify(struct{}{})
	if wasOpen {
		s.disconnect.Notify(struct{}{})
	}
}

func panicLogger(logger *log.Logger) observer.PanicHandler {
	return func(list string, recovered *panics.Recovered) {
		logger.Printf("session: %s observer panic: %v", list, recovered.Value)
	}
}

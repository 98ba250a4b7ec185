package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-ledger/internal/domain/wire"
)

type published struct {
	channel string
	payload []byte
}

type fakePublisher struct {
	mu      sync.Mutex
	msgs    []published
	stored  map[string][]byte
	closed  bool
	failPub bool
	block   chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{stored: make(map[string][]byte)}
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPub {
		return errors.New("connection refused")
	}
	p.msgs = append(p.msgs, published{channel: channel, payload: payload})
	return nil
}

func (p *fakePublisher) Store(_ context.Context, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stored[key] = payload
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[Topic]func(wire.Tick)
	released []Topic
	fail     bool
}

func (s *fakeSubscriber) Subscribe(channel, key string, fn func(wire.Tick)) (func(), error) {
	if s.fail {
		return nil, errors.New("invalid channel")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	topic := Topic{Channel: channel, Key: key}
	if s.handlers == nil {
		s.handlers = make(map[Topic]func(wire.Tick))
	}
	s.handlers[topic] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.released = append(s.released, topic)
	}, nil
}

func (s *fakeSubscriber) deliver(topic Topic, tick wire.Tick) {
	s.mu.Lock()
	fn := s.handlers[topic]
	s.mu.Unlock()
	fn(tick)
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

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

func TestRelayRepublishesTicks(t *testing.T) {
	pub := newFakePublisher()
	sub := &fakeSubscriber{}
	topic := Topic{Channel: "report.positions", Key: "DU1"}
	r := New(context.Background(), pub, Options{Prefix: "desk.", Topics: []Topic{topic}, Logger: quietLogger()})
	if err := r.Start(sub); err != nil {
		t.Fatalf("start: %v", err)
	}

	sub.deliver(topic, wire.Tick{Topic: "report.positions.DU1", Type: "rows", Payload: json.RawMessage(`[{"symbol":"AAPL"}]`)})
	waitFor(t, "published tick", func() bool { return len(pub.snapshot()) == 1 })

	msg := pub.snapshot()[0]
	if msg.channel != "desk.report.positions.DU1" {
		t.Fatalf("unexpected channel %q", msg.channel)
	}
	var body tickMessage
	if err := json.Unmarshal(msg.payload, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Topic != "report.positions.DU1" || body.Type != "rows" || string(body.Data) != `[{"symbol":"AAPL"}]` {
		t.Fatalf("unexpected body %+v", body)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(sub.released) != 1 || sub.released[0] != topic {
		t.Fatalf("expected subscription released, got %v", sub.released)
	}
	if !pub.closed {
		t.Fatalf("expected publisher closed")
	}
}

func TestRelayPublishesAndStoresState(t *testing.T) {
	pub := newFakePublisher()
	r := New(context.Background(), pub, Options{Prefix: "ledger", Logger: quietLogger()})
	if err := r.Start(&fakeSubscriber{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	r.PublishState(4, map[string]any{"loading": false})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	msgs := pub.snapshot()
	if len(msgs) != 1 || msgs[0].channel != "ledger.ledger" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	stored, ok := pub.stored["ledger.ledger.latest"]
	if !ok {
		t.Fatalf("expected latest view stored, have %v", pub.stored)
	}
	var body struct {
		Version uint64         `json:"version"`
		State   map[string]any `json:"state"`
	}
	if err := json.Unmarshal(stored, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Version != 4 || body.State["loading"] != false {
		t.Fatalf("unexpected stored body %+v", body)
	}
}

func TestRelayDropsWhenQueueFull(t *testing.T) {
	pub := newFakePublisher()
	pub.block = make(chan struct{})
	r := New(context.Background(), pub, Options{QueueSize: 1, Logger: quietLogger()})
	if err := r.Start(&fakeSubscriber{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.HandleTick(wire.Tick{Topic: "report.options", Type: "", Payload: json.RawMessage(`{}`)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("producers blocked on a stalled publisher")
	}

	close(pub.block)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := len(pub.snapshot()); got < 1 || got > 2 {
		t.Fatalf("expected at most worker+queue messages delivered, got %d", got)
	}
}

func TestRelayPublishErrorsAreNotFatal(t *testing.T) {
	pub := newFakePublisher()
	pub.failPub = true
	r := New(context.Background(), pub, Options{Logger: quietLogger()})
	if err := r.Start(&fakeSubscriber{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	r.PublishState(1, nil)
	r.HandleTick(wire.Tick{Topic: "report.options", Type: "", Payload: json.RawMessage(`{}`)})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := pub.stored["ledger.latest"]; !ok {
		t.Fatalf("store must still run when publish fails")
	}
}

func TestRelayStartFailureReleasesEarlierTopics(t *testing.T) {
	sub := &fakeSubscriber{fail: true}
	r := New(context.Background(), newFakePublisher(), Options{
		Topics: []Topic{{Channel: "report.positions", Key: ""}},
		Logger: quietLogger(),
	})
	if err := r.Start(sub); err == nil {
		t.Fatalf("expected subscribe error")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

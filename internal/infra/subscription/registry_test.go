package subscription

import (
	"errors"
	"sync"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-ledger/errs"
	"github.com/coachpo/meltica-ledger/internal/domain/wire"
	"github.com/coachpo/meltica-ledger/internal/infra/router"
)

type fakeTransport struct {
	mu         sync.Mutex
	open       bool
	generation uint64
	frames     []wire.SubscriptionFrame
	onConnect  []func()
}

func (f *fakeTransport) SendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame wire.SubscriptionFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

func (f *fakeTransport) OnConnect(fn func()) func() {
	f.onConnect = append(f.onConnect, fn)
	return func() {}
}

func (f *fakeTransport) connect() {
	f.mu.Lock()
	f.open = true
	f.generation++
	f.mu.Unlock()
	for _, fn := range f.onConnect {
		fn()
	}
}

func (f *fakeTransport) disconnect() {
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
}

func (f *fakeTransport) take() []wire.SubscriptionFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

func describe(frames []wire.SubscriptionFrame) []string {
	out := make([]string, 0, len(frames))
	for _, frame := range frames {
		s := frame.Type + " " + frame.Channels[0]
		if len(frame.Symbols) > 0 {
			s += "/" + frame.Symbols[0]
		}
		out = append(out, s)
	}
	return out
}

func assertFrames(t *testing.T, got []wire.SubscriptionFrame, want ...string) {
	t.Helper()
	desc := describe(got)
	if len(desc) != len(want) {
		t.Fatalf("expected frames %v, got %v", want, desc)
	}
	for i := range want {
		if desc[i] != want[i] {
			t.Fatalf("expected frames %v, got %v", want, desc)
		}
	}
}

func noop(wire.Tick) {}

func TestReferenceCountingCollapsesWireTraffic(t *testing.T) {
	transport := &fakeTransport{}
	transport.connect()
	reg := New(transport, router.New(nil, nil), nil)
	transport.take()

	unsubA, err := reg.Subscribe("report.positions", "AB", noop)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsubB, err := reg.Subscribe("report.positions", "AB", noop)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	assertFrames(t, transport.take(), "subscribe report.positions/AB")
	if got := reg.Observers("report.positions", "AB"); got != 2 {
		t.Fatalf("expected 2 observers, got %d", got)
	}

	unsubA()
	unsubA()
	assertFrames(t, transport.take())
	unsubB()
	assertFrames(t, transport.take(), "unsubscribe report.positions/AB")
	if len(reg.Snapshot()) != 0 {
		t.Fatalf("expected no live subscriptions")
	}
}

func TestReconnectResubscribesLiveInterestExactlyOnce(t *testing.T) {
	transport := &fakeTransport{}
	transport.connect()
	reg := New(transport, router.New(nil, nil), nil)

	unsubA1, _ := reg.Subscribe("report.positions", "A", noop)
	_, _ = reg.Subscribe("report.positions", "A", noop)
	_, _ = reg.Subscribe("ib.status", "", noop)
	unsubC, _ := reg.Subscribe("report.options", "C", noop)
	unsubC()
	transport.take()

	transport.disconnect()
	unsubA1()
	_, _ = reg.Subscribe("report.greeks", "D", noop)
	assertFrames(t, transport.take())

	transport.connect()
	assertFrames(t, transport.take(),
		"subscribe ib.status",
		"subscribe report.greeks/D",
		"subscribe report.positions/A",
	)

	reg.Resubscribe()
	assertFrames(t, transport.take())
}

func TestSubscribeWhileOpenIsNotRepeatedByTheSameOpen(t *testing.T) {
	transport := &fakeTransport{}
	transport.connect()
	reg := New(transport, router.New(nil, nil), nil)

	_, _ = reg.Subscribe("ib.status", "", noop)
	assertFrames(t, transport.take(), "subscribe ib.status")

	reg.Resubscribe()
	assertFrames(t, transport.take())
}

func TestObserversReceiveOnlyTheirTicks(t *testing.T) {
	transport := &fakeTransport{}
	transport.connect()
	r := router.New(nil, nil)
	reg := New(transport, r, nil)

	var got []string
	unsub, _ := reg.Subscribe("report.positions", "AB", func(tick wire.Tick) {
		got = append(got, tick.Topic)
	})

	r.HandleFrame([]byte(`{"topic":"report.positions.AB","data":{"type":"positions","data":[]}}`))
	r.HandleFrame([]byte(`{"topic":"report.positions.ABC","data":{"type":"positions","data":[]}}`))
	unsub()
	r.HandleFrame([]byte(`{"topic":"report.positions.AB","data":{"type":"positions","data":[]}}`))

	if len(got) != 1 {
		t.Fatalf("expected one delivered tick, got %v", got)
	}
}

func TestSubscribeValidatesInput(t *testing.T) {
	reg := New(&fakeTransport{}, router.New(nil, nil), nil)
	if _, err := reg.Subscribe(" ", "AB", noop); !errors.Is(err, errs.New("", errs.CodeInvalid)) {
		t.Fatalf("expected invalid request for blank channel, got %v", err)
	}
	if _, err := reg.Subscribe("ib.status", "", nil); err == nil {
		t.Fatalf("expected error for nil observer")
	}
}

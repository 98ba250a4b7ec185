package router

import (
	"testing"

	"github.com/coachpo/meltica-ledger/internal/domain/wire"
)

type stubResolver struct {
	known map[string]bool
	acks  []wire.Ack
}

func (s *stubResolver) Resolve(ack wire.Ack) bool {
	s.acks = append(s.acks, ack)
	return s.known[ack.ID]
}

func TestTopicFilterMatchesWholeSegments(t *testing.T) {
	cases := []struct {
		filter TopicFilter
		topic  string
		want   bool
	}{
		{TopicFilter{Channel: "report.positions", Key: "AB"}, "report.positions.AB", true},
		{TopicFilter{Channel: "report.positions", Key: "AB"}, "report.positions.ABC", false},
		{TopicFilter{Channel: "report.positions", Key: "AB"}, "report.positions.XAB", false},
		{TopicFilter{Channel: "report.positions", Key: "AB"}, "report.positionsX.AB", false},
		{TopicFilter{Channel: "report.positions", Key: "AB"}, "report.positions.7.AB", true},
		{TopicFilter{Channel: "ib", Key: ""}, "ib.openOrder", true},
		{TopicFilter{Channel: "ib", Key: ""}, "ib", true},
		{TopicFilter{Channel: "ib", Key: ""}, "ibx.openOrder", false},
		{TopicFilter{Channel: "ib.", Key: ""}, "ib.status", true},
		{TopicFilter{Channel: "", Key: "AB"}, "AB", false},
		{TopicFilter{Channel: "ib", Key: "status"}, "ib.status", true},
	}
	for _, tc := range cases {
		if got := tc.filter.Match(tc.topic); got != tc.want {
			t.Fatalf("%+v match %q: expected %v, got %v", tc.filter, tc.topic, tc.want, got)
		}
	}
}

func TestTopicFilterTopic(t *testing.T) {
	if got := (TopicFilter{Channel: "report.positions", Key: "7"}).Topic(); got != "report.positions.7" {
		t.Fatalf("unexpected topic %q", got)
	}
	if got := (TopicFilter{Channel: "ib.status", Key: ""}).Topic(); got != "ib.status" {
		t.Fatalf("unexpected topic %q", got)
	}
}

func TestAcksGoToResolverAndGenericObservers(t *testing.T) {
	resolver := &stubResolver{known: map[string]bool{"req-1": true}, acks: nil}
	r := New(resolver, nil)

	var generic []wire.Envelope
	r.OnFrame(func(env wire.Envelope) { generic = append(generic, env) })
	ticks := 0
	r.OnTick(func(wire.Tick) { ticks++ })

	r.HandleFrame([]byte(`{"type":"control.ack","id":"req-1","op":"account_state","ok":true}`))
	r.HandleFrame([]byte(`{"type":"control.ack","id":"stale","op":"account_state","ok":true}`))

	if len(resolver.acks) != 2 {
		t.Fatalf("expected both acks offered to the resolver, got %d", len(resolver.acks))
	}
	if len(generic) != 2 || generic[1].ID != "stale" {
		t.Fatalf("expected stale ack still broadcast to generic observers, got %+v", generic)
	}
	if ticks != 0 {
		t.Fatalf("acks must not reach tick observers")
	}
}

func TestTicksFanOutInRegistrationOrderWithFaultIsolation(t *testing.T) {
	r := New(nil, nil)

	var order []string
	r.OnFrame(func(wire.Envelope) { order = append(order, "generic") })
	r.OnTick(func(wire.Tick) { order = append(order, "first") })
	r.OnTick(func(wire.Tick) { panic("broken observer") })
	r.OnTick(func(tick wire.Tick) {
		order = append(order, "third:"+tick.Type+":"+string(tick.Payload))
	})

	r.HandleFrame([]byte(`{"topic":"ib.status","data":{"type":"status","data":{"connected":true}}}`))

	want := []string{"generic", "first", `third:status:{"connected":true}`}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestOnTopicFiltersTicks(t *testing.T) {
	r := New(nil, nil)
	var got []string
	unregister := r.OnTopic(TopicFilter{Channel: "report.positions", Key: "AB"}, func(tick wire.Tick) {
		got = append(got, tick.Topic)
	})

	r.HandleFrame([]byte(`{"topic":"report.positions.ABC","data":{"type":"positions"}}`))
	r.HandleFrame([]byte(`{"topic":"report.positions.AB","data":{"type":"positions"}}`))
	unregister()
	r.HandleFrame([]byte(`{"topic":"report.positions.AB","data":{"type":"positions"}}`))

	if len(got) != 1 || got[0] != "report.positions.AB" {
		t.Fatalf("expected exactly one matching tick, got %v", got)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	r := New(nil, nil)
	seen := 0
	r.OnFrame(func(wire.Envelope) { seen++ })
	r.OnTick(func(wire.Tick) { seen++ })

	r.HandleFrame([]byte(`not json`))
	r.HandleFrame([]byte(`[1,2,3]`))
	r.HandleFrame([]byte(`{"topic":"ib.status","data":{"type":`))
	r.HandleFrame(nil)

	if seen != 0 {
		t.Fatalf("expected malformed frames to be dropped, observers saw %d", seen)
	}
}

func TestUnclassifiedFramesReachGenericObserversOnly(t *testing.T) {
	r := New(nil, nil)
	generic, ticks := 0, 0
	r.OnFrame(func(wire.Envelope) { generic++ })
	r.OnTick(func(wire.Tick) { ticks++ })

	r.HandleFrame([]byte(`{"type":"hello"}`))
	if generic != 1 || ticks != 0 {
		t.Fatalf("expected generic=1 ticks=0, got generic=%d ticks=%d", generic, ticks)
	}
}

func TestTopicGroup(t *testing.T) {
	cases := map[string]string{
		"":                       "",
		"ib.status":              "ib.status",
		"report.positions.12345": "report.positions",
		"report":                 "report",
	}
	for in, want := range cases {
		if got := topicGroup(in); got != want {
			t.Fatalf("topicGroup(%q): expected %q, got %q", in, want, got)
		}
	}
}

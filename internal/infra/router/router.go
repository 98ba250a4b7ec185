// Package router classifies inbound frames: correlated control acks go to the request
// correlator, everything else fans out to generic and tick observers.
package router

import (
	"context"
	"log"
	"strings"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-ledger/internal/domain/wire"
	"github.com/coachpo/meltica-ledger/internal/infra/observer"
	"github.com/coachpo/meltica-ledger/internal/infra/telemetry"
)

// Frame classes reported in metrics.
const (
	ClassAck       = "ack"
	ClassTick      = "tick"
	ClassOther     = "other"
	ClassMalformed = "malformed"
)

// AckResolver completes correlated requests.
type AckResolver interface {
	Resolve(ack wire.Ack) bool
}

// FrameSource delivers raw inbound frames in arrival order.
type FrameSource interface {
	OnFrame(fn func([]byte)) func()
}

// Router demultiplexes inbound frames. It is driven from the session read loop, so
// observers run sequentially in frame order and must not block.
type Router struct {
	resolver AckResolver
	logger   *log.Logger

	frames *observer.List[wire.Envelope]
	ticks  *observer.List[wire.Tick]

	framesCounter    metric.Int64Counter
	malformedCounter metric.Int64Counter
	panicCounter     metric.Int64Counter
	staleAckCounter  metric.Int64Counter
}

// New constructs a router. resolver may be nil when no correlated requests are issued.
func New(resolver AckResolver, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.Default()
	}
	r := new(Router)
	r.resolver = resolver
	r.logger = logger
	r.frames = observer.New[wire.Envelope]("router.frames", r.recordPanic)
	r.ticks = observer.New[wire.Tick]("router.ticks", r.recordPanic)

	meter := otel.Meter("router")
	r.framesCounter, _ = meter.Int64Counter("ledger_router_frames",
		metric.WithDescription("Inbound frames by class"),
		metric.WithUnit("{frame}"))
	r.malformedCounter, _ = meter.Int64Counter("ledger_router_malformed",
		metric.WithDescription("Inbound frames dropped because they could not be decoded"),
		metric.WithUnit("{frame}"))
	r.panicCounter, _ = meter.Int64Counter("ledger_router_observer_panics",
		metric.WithDescription("Observer panics recovered during fan-out"),
		metric.WithUnit("{panic}"))
	r.staleAckCounter, _ = meter.Int64Counter("ledger_router_stale_acks",
		metric.WithDescription("Acks that matched no pending request"),
		metric.WithUnit("{frame}"))
	return r
}

// Attach subscribes the router to a frame source and returns the detach func.
func (r *Router) Attach(src FrameSource) func() {
	return src.OnFrame(r.HandleFrame)
}

// OnFrame registers a generic observer that sees every decoded frame, acks included.
func (r *Router) OnFrame(fn func(wire.Envelope)) func() {
	return r.frames.Register(fn)
}

// OnTick registers an observer for every topic broadcast.
func (r *Router) OnTick(fn func(wire.Tick)) func() {
	return r.ticks.Register(fn)
}

// OnTopic registers a tick observer restricted to topics matching filter.
func (r *Router) OnTopic(filter TopicFilter, fn func(wire.Tick)) func() {
	return r.ticks.Register(func(t wire.Tick) {
		if filter.Match(t.Topic) {
			fn(t)
		}
	})
}

// HandleFrame routes one raw inbound frame. Malformed frames are logged, counted and
// dropped.
func (r *Router) HandleFrame(raw []byte) {
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		r.dropMalformed(err, raw)
		return
	}

	switch {
	case env.IsAck():
		r.countFrame(ClassAck, "")
		if r.resolver != nil && !r.resolver.Resolve(env.Ack()) {
			r.count(r.staleAckCounter, telemetry.FrameAttributes(telemetry.Environment(), ClassAck, "")...)
		}
		r.frames.Notify(env)
	case env.IsTick():
		tick, err := env.Tick()
		if err != nil {
			r.dropMalformed(err, raw)
			return
		}
		r.countFrame(ClassTick, tick.Topic)
		r.frames.Notify(env)
		r.ticks.Notify(tick)
	default:
		r.countFrame(ClassOther, "")
		r.frames.Notify(env)
	}
}

func (r *Router) dropMalformed(err error, raw []byte) {
	preview := string(raw)
	if len(preview) > 128 {
		preview = preview[:128] + "..."
	}
	r.logger.Printf("router: drop malformed frame %q: %v", preview, err)
	r.count(r.malformedCounter, telemetry.FrameAttributes(telemetry.Environment(), ClassMalformed, "")...)
}

func (r *Router) recordPanic(list string, recovered *panics.Recovered) {
	r.logger.Printf("router: %s observer panic: %v", list, recovered.Value)
	r.count(r.panicCounter, telemetry.ReasonAttributes(telemetry.Environment(), list, telemetry.ResultError)...)
}

func (r *Router) countFrame(class, topic string) {
	r.count(r.framesCounter, telemetry.FrameAttributes(telemetry.Environment(), class, topicGroup(topic))...)
}

func (r *Router) count(counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// topicGroup keeps the first two segments so per-client report topics do not explode
// metric cardinality.
func topicGroup(topic string) string {
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ".")
}

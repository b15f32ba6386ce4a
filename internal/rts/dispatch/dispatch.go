// Package dispatch routes inbound frames to named event handlers.
//
// One Dispatcher serves many channels. For each channel, Serve synthesizes a
// start event, reads frames until the transport drops, runs every handler
// invocation on its own goroutine so a slow handler never blocks the reader,
// and finally synthesizes end so teardown happens exactly once. Handler
// failures are isolated: an error is classified and logged at the task
// boundary, and only authentication failures take the channel down.
//
// The same fabric runs on both sides of the wire; the server and the endpoint
// agent just register different handler tables and state.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alxayo/go-rts/internal/errors"
	"github.com/alxayo/go-rts/internal/rts/channel"
	"github.com/alxayo/go-rts/internal/rts/wire"
)

// handlerGrace is how long in-flight handlers may keep running after their
// channel is gone before the serve context is cancelled out from under them.
var handlerGrace = 5 * time.Second

var (
	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rts",
		Subsystem: "dispatch",
		Name:      "frames_total",
		Help:      "Frames routed to a handler, labeled by event name.",
	}, []string{"event"})
	unknownEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rts",
		Subsystem: "dispatch",
		Name:      "unknown_events_total",
		Help:      "Frames whose event had no registered handler.",
	})
	handlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rts",
		Subsystem: "dispatch",
		Name:      "handler_errors_total",
		Help:      "Handler invocations that returned an error, labeled by event name.",
	}, []string{"event"})
)

// Session is one handler invocation's view of the connection: the channel it
// arrived on, the shared state, and the frame itself.
type Session struct {
	Ch    *channel.Channel
	State *State
	Event string
	Data  string
}

// Decode unmarshals the inner payload into v. Failures classify as protocol
// errors: the frame is dropped and logged, the channel keeps reading.
func (s *Session) Decode(v any) error {
	if err := json.Unmarshal([]byte(s.Data), v); err != nil {
		return errors.NewProtocol("decode "+s.Event, err)
	}
	return nil
}

// Log returns the channel-scoped logger.
func (s *Session) Log() *slog.Logger { return s.Ch.Log() }

// HandlerFunc handles one frame. The context is cancelled shortly after the
// channel closes.
type HandlerFunc func(ctx context.Context, s *Session) error

// Dispatcher owns the event table and the shared state injected into
// handlers.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	state    *State
}

// New creates a dispatcher around the given state.
func New(state *State) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc), state: state}
}

// Register installs the handler for an event name. All registration MUST
// complete before the first Serve call; the table is read without a lock.
func (d *Dispatcher) Register(event string, fn HandlerFunc) {
	d.handlers[event] = fn
}

// State returns the shared state map, for bootstrap wiring.
func (d *Dispatcher) State() *State { return d.state }

// Serve drives one channel until its transport drops: synthesized start,
// read loop, synthesized end, then a bounded wait for in-flight handlers.
func (d *Dispatcher) Serve(ctx context.Context, ch *channel.Channel) {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	log := ch.Log()

	d.invoke(serveCtx, &wg, ch, wire.EventStart, "")

	for {
		msg, err := ch.Read()
		if err != nil {
			if errors.IsTransport(err) {
				log.Debug("channel closed", "error", err)
			} else {
				log.Warn("channel read failed", "error", err)
			}
			break
		}
		d.invoke(serveCtx, &wg, ch, msg.Event, msg.Data)
	}

	// Teardown runs inline so Serve only returns once the session's
	// resources are released.
	if fn, ok := d.handlers[wire.EventEnd]; ok {
		framesTotal.WithLabelValues(wire.EventEnd).Inc()
		d.run(serveCtx, ch, wire.EventEnd, "", fn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(handlerGrace):
		log.Warn("handlers still running after grace period", "grace", handlerGrace.String())
	}
}

// invoke looks up and launches the handler for one frame.
func (d *Dispatcher) invoke(ctx context.Context, wg *sync.WaitGroup, ch *channel.Channel, event, data string) {
	fn, ok := d.handlers[event]
	if !ok {
		unknownEventsTotal.Inc()
		ch.Log().Debug("no handler for event", "event", event)
		return
	}
	framesTotal.WithLabelValues(event).Inc()
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.run(ctx, ch, event, data, fn)
	}()
}

// run executes one handler and applies the error policy at the task boundary.
func (d *Dispatcher) run(ctx context.Context, ch *channel.Channel, event, data string, fn HandlerFunc) {
	s := &Session{Ch: ch, State: d.state, Event: event, Data: data}
	err := fn(ctx, s)
	if err == nil {
		return
	}
	handlerErrorsTotal.WithLabelValues(event).Inc()
	switch {
	case errors.IsAuth(err):
		// Rejected peers are dropped without a user-visible error frame.
		ch.Log().Info("authentication rejected", "event", event, "error", err)
		_ = ch.Close()
	case errors.IsTransport(err):
		ch.Log().Debug("peer unreachable in handler", "event", event, "error", err)
	default:
		if ok, msg := errors.IsDomain(err); ok {
			// The handler already sent the event-specific failure payload.
			ch.Log().Debug("request failed", "event", event, "msg", msg)
			return
		}
		ch.Log().Warn("handler failed", "event", event, "error", err)
	}
}

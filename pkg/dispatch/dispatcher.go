package dispatch

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"roomrelay/pkg/event"
	"roomrelay/pkg/faults"
	"roomrelay/pkg/logger"
	"roomrelay/pkg/responder"
)

const defaultGrace = 5 * time.Second

// Source yields the next event to dispatch, normally a *queue.Queue.
type Source interface {
	Pop(ctx context.Context) (event.Event, error)
}

// Replier delivers replies into the room, normally an *outbound.Sender.
type Replier interface {
	Send(ctx context.Context, text string) error
	SendCorrection(ctx context.Context, text string) error
}

// Outcome reports how one dequeued event was handled.
type Outcome struct {
	Event      event.Event
	Reply      responder.Reply
	Correction bool
	Skipped    bool
	Sent       bool
	Err        error
	SendErr    error
	Duration   time.Duration
}

// Options configures a Dispatcher.
type Options struct {
	// Workers > 1 routes events to lanes by sender so each sender has at
	// most one event in flight.
	Workers           int
	Timeout           time.Duration
	BreakerFailures   int
	BreakerCooldown   time.Duration
	Grace             time.Duration
	CorrectionMarkers []string
	SkipKinds         []event.Kind
	Logger            *slog.Logger
	OnOutcome         func(Outcome)
}

// Dispatcher drains a Source in order and turns events into replies.
type Dispatcher struct {
	source    Source
	responder responder.Responder
	replier   Replier
	opts      Options
	skip      map[event.Kind]struct{}
	breaker   *gobreaker.CircuitBreaker
	log       *slog.Logger
}

func New(source Source, resp responder.Responder, replier Replier, opts Options) (*Dispatcher, error) {
	if source == nil {
		return nil, errors.New("event source is required")
	}
	if resp == nil {
		return nil, errors.New("responder is required")
	}
	if replier == nil {
		return nil, errors.New("replier is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Grace <= 0 {
		opts.Grace = defaultGrace
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Dispatcher{
		source:    source,
		responder: resp,
		replier:   replier,
		opts:      opts,
		skip:      make(map[event.Kind]struct{}, len(opts.SkipKinds)),
		log:       opts.Logger.With("component", "dispatch.dispatcher"),
	}
	for _, kind := range opts.SkipKinds {
		d.skip[kind] = struct{}{}
	}

	if opts.BreakerFailures > 0 {
		failures := uint32(opts.BreakerFailures)
		d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "responder",
			MaxRequests: 1,
			Timeout:     opts.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				d.log.Warn("Responder breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}

	return d, nil
}

// BreakerState reports the responder circuit breaker state.
func (d *Dispatcher) BreakerState() string {
	if d.breaker == nil {
		return "disabled"
	}
	return d.breaker.State().String()
}

// Run dispatches until ctx ends or the source closes. In-flight responder
// calls get the grace period to finish before they are cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var inflight sync.WaitGroup
	lanes := d.startLanes(ctx, workCtx, &inflight)

loop:
	for {
		ev, err := d.source.Pop(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.log.Debug("Event source stopped", "error", err)
			}
			break
		}
		if ctx.Err() != nil {
			d.log.Debug("Discarding event at shutdown", "event_id", ev.ID)
			break
		}

		if lanes == nil {
			done := make(chan struct{})
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer close(done)
				d.dispatch(workCtx, ev)
			}()

			select {
			case <-done:
				continue
			case <-ctx.Done():
				break loop
			}
		}

		select {
		case lanes[d.laneFor(ev)] <- ev:
		case <-ctx.Done():
			d.log.Debug("Discarding event at shutdown", "event_id", ev.ID)
			break loop
		}
	}

	for _, lane := range lanes {
		close(lane)
	}
	d.settle(&inflight, cancelWork)
	return nil
}

// startLanes starts one worker per lane. Each lane holds one waiting event
// besides the one in flight; a sender with a slow responder call blocks Pop
// only once its lane is full, and other lanes keep draining until then.
// Buffered events are discarded once runCtx ends.
func (d *Dispatcher) startLanes(runCtx, workCtx context.Context, inflight *sync.WaitGroup) []chan event.Event {
	if d.opts.Workers <= 1 {
		return nil
	}

	lanes := make([]chan event.Event, d.opts.Workers)
	for i := range lanes {
		lane := make(chan event.Event, 1)
		lanes[i] = lane
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			for ev := range lane {
				if runCtx.Err() != nil {
					d.log.Debug("Discarding event at shutdown", "event_id", ev.ID)
					continue
				}
				d.dispatch(workCtx, ev)
			}
		}()
	}

	return lanes
}

// settle waits for in-flight work, cancelling it once the grace period ends.
func (d *Dispatcher) settle(inflight *sync.WaitGroup, cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.opts.Grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		d.log.Warn("Shutdown grace expired, cancelling in-flight responder calls", "grace", d.opts.Grace)
		cancelWork()
		<-done
	}
}

func (d *Dispatcher) laneFor(ev event.Event) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ev.RoomID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(ev.SenderID))
	return int(h.Sum32() % uint32(d.opts.Workers))
}

func (d *Dispatcher) dispatch(ctx context.Context, ev event.Event) {
	startedAt := time.Now()
	outcome := Outcome{Event: ev}
	defer func() {
		outcome.Duration = time.Since(startedAt)
		if d.opts.OnOutcome != nil {
			d.opts.OnOutcome(outcome)
		}
	}()

	log := d.log.With("event_id", ev.ID, "sender_id", ev.SenderID, "kind", string(ev.Kind), "priority", ev.Priority.String())

	text := strings.TrimSpace(ev.Text())
	if _, skip := d.skip[ev.Kind]; skip || text == "" {
		outcome.Skipped = true
		return
	}

	reply, err := d.respond(ctx, ev.ConversationKey(), text)
	if err != nil {
		outcome.Err = faults.Responder(fmt.Sprintf("event %s", ev.ID), err)
		log.Warn("Responder failed", "error", err, "duration_ms", time.Since(startedAt).Milliseconds())
		return
	}

	outcome.Reply = reply
	if strings.TrimSpace(reply.Text) == "" {
		log.Debug("No reply warranted")
		return
	}

	outcome.Correction = reply.Correction || d.hasCorrectionMarker(reply.Text)
	if outcome.Correction {
		outcome.SendErr = d.replier.SendCorrection(ctx, reply.Text)
	} else {
		outcome.SendErr = d.replier.Send(ctx, reply.Text)
	}
	outcome.Sent = outcome.SendErr == nil

	log.Info("Dispatched event",
		"category", string(ev.Category),
		"correction", outcome.Correction,
		"sent", outcome.Sent,
		"text", logger.Preview(text),
		"reply", logger.Preview(reply.Text),
		"duration_ms", time.Since(startedAt).Milliseconds(),
	)
}

// respond calls the responder through the breaker, bounded by the timeout
// even when the responder ignores cancellation.
func (d *Dispatcher) respond(ctx context.Context, conversationKey string, text string) (responder.Reply, error) {
	call := func() (interface{}, error) {
		return d.callWithTimeout(ctx, conversationKey, text)
	}

	var (
		result interface{}
		err    error
	)
	if d.breaker != nil {
		result, err = d.breaker.Execute(call)
	} else {
		result, err = call()
	}
	if err != nil {
		return responder.Reply{}, err
	}

	reply, ok := result.(responder.Reply)
	if !ok {
		return responder.Reply{}, fmt.Errorf("unexpected responder result %T", result)
	}
	return reply, nil
}

func (d *Dispatcher) callWithTimeout(ctx context.Context, conversationKey string, text string) (responder.Reply, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if d.opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
	}
	defer cancel()

	type result struct {
		reply responder.Reply
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		reply, err := d.responder.Respond(callCtx, conversationKey, text)
		resultCh <- result{reply: reply, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.reply, res.err
	case <-callCtx.Done():
		return responder.Reply{}, fmt.Errorf("responder call: %w", callCtx.Err())
	}
}

func (d *Dispatcher) hasCorrectionMarker(text string) bool {
	for _, marker := range d.opts.CorrectionMarkers {
		if marker = strings.TrimSpace(marker); marker != "" && strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

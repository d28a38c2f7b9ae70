// Package pipeline wires one live room end to end and runs many rooms as a
// service.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"roomrelay/pkg/bus"
	"roomrelay/pkg/classify"
	"roomrelay/pkg/config"
	"roomrelay/pkg/dedup"
	"roomrelay/pkg/dispatch"
	"roomrelay/pkg/event"
	"roomrelay/pkg/faults"
	"roomrelay/pkg/logger"
	"roomrelay/pkg/metrics"
	"roomrelay/pkg/normalize"
	"roomrelay/pkg/outbound"
	"roomrelay/pkg/queue"
	"roomrelay/pkg/responder"
	"roomrelay/pkg/transport"
)

// Deps are the collaborators a Room shares with the rest of the process.
type Deps struct {
	Responder  responder.Responder
	Classifier *classify.Classifier
	Bus        *bus.Bus
	Metrics    *metrics.Recorder
	Dialer     transport.Dialer
	Clock      func() time.Time
	Logger     *slog.Logger
}

// Room owns the connector, filters, queue and dispatcher of one live room.
type Room struct {
	id  string
	cfg config.PipelineConfig

	connector  *transport.Connector
	normalizer *normalize.Normalizer
	classifier *classify.Classifier
	dedup      *dedup.Filter
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	sender     *outbound.Sender

	bus     *bus.Bus
	metrics *metrics.Recorder
	log     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	closing bool
	runDone chan struct{}
}

// NewRoom builds a room from its config and the effective pipeline settings.
func NewRoom(roomCfg config.RoomConfig, cfg config.PipelineConfig, deps Deps) (*Room, error) {
	id := strings.TrimSpace(roomCfg.ID)
	if id == "" {
		return nil, errors.New("room id is required")
	}
	if deps.Responder == nil {
		return nil, errors.New("responder is required")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("room %s: %w", id, err)
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.Default()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	log := deps.Logger.With("room_id", id)

	r := &Room{
		id:         id,
		cfg:        cfg,
		classifier: deps.Classifier,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		log:        log.With("component", "pipeline.room"),
		runDone:    make(chan struct{}),
	}

	var normalizeOpts []normalize.Option
	if deps.Clock != nil {
		normalizeOpts = append(normalizeOpts, normalize.WithClock(deps.Clock))
	}
	r.normalizer = normalize.New(id, normalizeOpts...)

	filter, err := dedup.New(dedup.Options{
		Window:      cfg.DedupWindow(),
		HistorySize: cfg.DedupHistorySize,
		MaxSenders:  cfg.DedupMaxSenders,
	})
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", id, err)
	}
	r.dedup = filter

	r.queue = queue.New(
		queue.WithCapacity(cfg.QueueCapacity),
		queue.WithLowAging(cfg.QueueLowAgingEvery),
		queue.WithDropHook(r.onQueueDrop),
		queue.WithLogger(log),
	)

	header := make(http.Header, len(roomCfg.Headers))
	for key, value := range roomCfg.Headers {
		header.Set(key, value)
	}
	r.connector, err = transport.New(transport.Options{
		RoomID:            id,
		URL:               roomCfg.URL,
		Header:            header,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		MaxRetries:        cfg.MaxReconnectRetries,
		ReconnectDelay:    cfg.ReconnectDelay(),
		Backoff:           cfg.ReconnectBackoff,
		MaxDelay:          cfg.ReconnectMaxDelay(),
		ReadLimit:         normalize.MaxFrameBytes,
		Dialer:            deps.Dialer,
		Logger:            log,
		OnStateChange:     r.onStateChange,
	})
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", id, err)
	}

	r.sender, err = outbound.New(r.connector, outbound.Options{
		RatePerSecond:    cfg.OutboundRateLimitPerSecond,
		MaxRetries:       cfg.OutboundMaxRetries,
		MaxLength:        cfg.OutboundMaxLength,
		CorrectionPrefix: cfg.CorrectionPrefix,
		Logger:           log,
		OnResult:         r.onSendResult,
	})
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", id, err)
	}

	skipKinds := make([]event.Kind, 0, len(cfg.DispatchSkipKinds))
	for _, kind := range cfg.DispatchSkipKinds {
		skipKinds = append(skipKinds, event.Kind(kind))
	}
	r.dispatcher, err = dispatch.New(r.queue, deps.Responder, r.sender, dispatch.Options{
		Workers:           cfg.DispatchWorkers,
		Timeout:           cfg.ResponderTimeout(),
		BreakerFailures:   cfg.ResponderBreakerFailures,
		BreakerCooldown:   cfg.ResponderBreakerCooldown(),
		Grace:             cfg.ShutdownGrace(),
		CorrectionMarkers: cfg.CorrectionMarkers,
		SkipKinds:         skipKinds,
		Logger:            log,
		OnOutcome:         r.onOutcome,
	})
	if err != nil {
		return nil, fmt.Errorf("room %s: %w", id, err)
	}

	return r, nil
}

func (r *Room) ID() string {
	return r.id
}

// State reports the connection state.
func (r *Room) State() transport.State {
	return r.connector.State()
}

// Queued returns the number of events waiting for dispatch.
func (r *Room) Queued() int {
	return r.queue.Len()
}

// BreakerState reports the responder circuit breaker state.
func (r *Room) BreakerState() string {
	return r.dispatcher.BreakerState()
}

// Run connects and dispatches until ctx ends, Close is called, or the
// reconnect budget is spent. Only ConnectionExhausted is returned.
func (r *Room) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if r.closing || r.cancel != nil {
		r.mu.Unlock()
		return errors.New("room already started or closed")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()
	defer close(r.runDone)
	defer cancel()

	r.log.Info("Room pipeline started", "workers", r.cfg.DispatchWorkers, "queue_capacity", r.cfg.QueueCapacity)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := r.connector.Run(gctx, r.Ingest)
		if errors.Is(err, faults.ErrConnectionExhausted) {
			r.publish(bus.Event{Type: bus.EventRoomExhausted, Error: err.Error()})
			return err
		}
		if err != nil {
			r.log.Error("Connector stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		return r.dispatcher.Run(gctx)
	})

	err := g.Wait()
	r.stop()
	return err
}

// Close stops the room in order: receive loop, in-flight dispatch, queue,
// pending sends. It waits for Run to return when Run was started.
func (r *Room) Close() error {
	r.mu.Lock()
	r.closing = true
	cancel := r.cancel
	r.mu.Unlock()

	if cancel == nil {
		r.stop()
		return nil
	}

	cancel()
	<-r.runDone
	return nil
}

func (r *Room) stop() {
	_ = r.connector.Disconnect()

	r.queue.Close()
	if discarded := r.queue.Drain(); discarded > 0 {
		r.log.Info("Discarded queued events at shutdown", "count", discarded)
	}
	r.reportDepth()

	closeCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace())
	defer cancel()
	if err := r.sender.Close(closeCtx); err != nil {
		r.log.Warn("Pending sends did not finish", "error", err)
	}

	r.log.Info("Room pipeline stopped")
}

// Ingest runs one raw frame through normalize, classify and dedup, then
// admits it to the queue. It never blocks on dispatch.
func (r *Room) Ingest(ctx context.Context, frame []byte) {
	ev, err := r.normalizer.Decode(frame)
	if err != nil {
		if errors.Is(err, normalize.ErrControlFrame) {
			return
		}
		r.log.Warn("Dropping malformed frame", "error", err, "frame", logger.Preview(string(frame)))
		r.publish(bus.Event{Type: bus.EventMalformed, Error: err.Error()})
		return
	}

	ev, err = r.classifier.Classify(ev)
	if err != nil {
		r.log.Warn("Classification failed", "event_id", ev.ID, "error", err)
		return
	}

	if !r.dedup.Admit(ev) {
		r.log.Debug("Dropped duplicate event", "event_id", ev.ID, "sender_id", ev.SenderID, "kind", string(ev.Kind))
		r.publish(eventFor(bus.EventDropped, ev, bus.ReasonDuplicate))
		return
	}

	if err := r.queue.Push(ev); err != nil {
		if !errors.Is(err, queue.ErrOverflow) {
			r.log.Debug("Event not queued", "event_id", ev.ID, "error", err)
		}
		return
	}

	admitted := eventFor(bus.EventAdmitted, ev, "")
	if ev.Category == event.CategoryComplaint {
		admitted.Payload = map[string]string{"text": logger.Preview(ev.Text())}
	}
	r.publish(admitted)
	r.reportDepth()
}

func (r *Room) onQueueDrop(ev event.Event) {
	r.publish(eventFor(bus.EventDropped, ev, bus.ReasonOverflow))
}

func (r *Room) onStateChange(from, to transport.State) {
	r.publish(bus.Event{
		Type:    bus.EventConnectionState,
		Payload: map[string]string{"from": from.String(), "to": to.String()},
	})
}

func (r *Room) onOutcome(outcome dispatch.Outcome) {
	defer r.reportDepth()

	if outcome.Skipped {
		return
	}

	ev := eventFor(bus.EventDispatched, outcome.Event, "")
	ev.Duration = outcome.Duration
	ev.Correction = outcome.Correction
	r.publish(ev)

	if outcome.Err != nil {
		failed := eventFor(bus.EventResponderFailed, outcome.Event, "")
		failed.Error = outcome.Err.Error()
		r.publish(failed)
	}
}

func (r *Room) onSendResult(result outbound.Result) {
	if result.Err != nil {
		r.publish(bus.Event{Type: bus.EventReplyFailed, Correction: result.Flagged, Error: result.Err.Error()})
		return
	}
	r.publish(bus.Event{Type: bus.EventReplySent, Correction: result.Flagged})
}

func (r *Room) reportDepth() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetQueueDepths(r.id, r.queue.Depths())
}

func (r *Room) publish(ev bus.Event) {
	if r.bus == nil {
		return
	}
	ev.RoomID = r.id
	r.bus.Publish(context.Background(), ev)
}

func eventFor(kind bus.EventType, ev event.Event, reason string) bus.Event {
	return bus.Event{
		Type:     kind,
		EventID:  ev.ID,
		SenderID: ev.SenderID,
		Kind:     string(ev.Kind),
		Category: string(ev.Category),
		Priority: ev.Priority.String(),
		Reason:   reason,
	}
}

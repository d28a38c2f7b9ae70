// Package metrics turns pipeline bus events into Prometheus series and a
// JSON room summary.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roomrelay/pkg/bus"
	"roomrelay/pkg/event"
	respondertypes "roomrelay/pkg/responder/types"
)

const namespace = "roomrelay"

var connectionStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "CLOSING", "CLOSED"}

// RoomStats is the per-room summary served at /stats.
type RoomStats struct {
	RoomID            string            `json:"room_id"`
	State             string            `json:"state"`
	Total             uint64            `json:"total"`
	ByKind            map[string]uint64 `json:"by_kind"`
	ByPriority        map[string]uint64 `json:"by_priority"`
	Replies           uint64            `json:"replies"`
	Corrections       uint64            `json:"corrections"`
	Duplicates        uint64            `json:"duplicates"`
	Overflow          uint64            `json:"overflow"`
	Malformed         uint64            `json:"malformed"`
	ResponderFailures uint64            `json:"responder_failures"`
	SendFailures      uint64            `json:"send_failures"`
	QueueDepth        map[string]int    `json:"queue_depth"`
	LastEventAt       time.Time         `json:"last_event_at,omitzero"`
	LastError         string            `json:"last_error,omitempty"`
}

// Snapshot is the full /stats payload.
type Snapshot struct {
	StartedAt     time.Time                 `json:"started_at"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Rooms         []RoomStats               `json:"rooms"`
	Usage         respondertypes.TokenUsage `json:"usage"`
}

// Recorder owns a private Prometheus registry and the room summaries.
type Recorder struct {
	registry *prometheus.Registry
	now      func() time.Time
	started  time.Time

	events           *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	malformed        *prometheus.CounterVec
	replies          *prometheus.CounterVec
	replyFailures    *prometheus.CounterVec
	responderFailure *prometheus.CounterVec
	dispatchSeconds  *prometheus.HistogramVec
	connectionState  *prometheus.GaugeVec
	queueDepth       *prometheus.GaugeVec
	tokens           *prometheus.GaugeVec

	mu    sync.Mutex
	rooms map[string]*RoomStats
	usage respondertypes.TokenUsage
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithClock replaces time.Now for uptime and timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

func New(opts ...Option) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		now:      time.Now,
		rooms:    make(map[string]*RoomStats),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_admitted_total",
			Help:      "Events admitted to the dispatch queue.",
		}, []string{"room", "kind", "priority"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped by dedup or queue overflow.",
		}, []string{"room", "reason"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_malformed_total",
			Help:      "Inbound frames rejected by the normalizer.",
		}, []string{"room"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_sent_total",
			Help:      "Replies delivered into the room.",
		}, []string{"room", "correction"}),
		replyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_failed_total",
			Help:      "Replies dropped after the send retry budget.",
		}, []string{"room"}),
		responderFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responder_failures_total",
			Help:      "Responder calls that errored or timed out.",
		}, []string{"room"}),
		dispatchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time from dequeue to reply handoff.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
		}, []string{"room"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state of each room.",
		}, []string{"room", "state"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queued events per priority tier.",
		}, []string{"room", "priority"}),
		tokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "responder_tokens",
			Help:      "Cumulative responder token usage.",
		}, []string{"type"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.now()

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.events,
		r.dropped,
		r.malformed,
		r.replies,
		r.replyFailures,
		r.responderFailure,
		r.dispatchSeconds,
		r.connectionState,
		r.queueDepth,
		r.tokens,
	)

	return r
}

// Gatherer exposes the registry for tests and custom exposition.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in Prometheus format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StatsHandler serves Snapshot as JSON.
func (r *Recorder) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	})
}

// Run feeds bus events into the recorder until the subscription ends.
func (r *Recorder) Run(ctx context.Context, b *bus.Bus) {
	events, unsubscribe := b.Subscribe(ctx, 1024)
	defer unsubscribe()
	r.Consume(events)
}

// Consume applies events until the channel closes.
func (r *Recorder) Consume(events <-chan bus.Event) {
	for ev := range events {
		r.Observe(ev)
	}
}

// Observe applies one bus event.
func (r *Recorder) Observe(ev bus.Event) {
	room := ev.RoomID

	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.roomLocked(room)

	switch ev.Type {
	case bus.EventAdmitted:
		r.events.WithLabelValues(room, ev.Kind, ev.Priority).Inc()
		stats.Total++
		stats.ByKind[ev.Kind]++
		stats.ByPriority[ev.Priority]++
		stats.LastEventAt = ev.At
	case bus.EventDropped:
		r.dropped.WithLabelValues(room, ev.Reason).Inc()
		switch ev.Reason {
		case bus.ReasonDuplicate:
			stats.Duplicates++
		case bus.ReasonOverflow:
			stats.Overflow++
		}
	case bus.EventMalformed:
		r.malformed.WithLabelValues(room).Inc()
		stats.Malformed++
	case bus.EventReplySent:
		r.replies.WithLabelValues(room, strconv.FormatBool(ev.Correction)).Inc()
		stats.Replies++
		if ev.Correction {
			stats.Corrections++
		}
	case bus.EventReplyFailed:
		r.replyFailures.WithLabelValues(room).Inc()
		stats.SendFailures++
		stats.LastError = ev.Error
	case bus.EventResponderFailed:
		r.responderFailure.WithLabelValues(room).Inc()
		stats.ResponderFailures++
		stats.LastError = ev.Error
	case bus.EventDispatched:
		r.dispatchSeconds.WithLabelValues(room).Observe(ev.Duration.Seconds())
	case bus.EventConnectionState:
		state := ev.Payload["to"]
		for _, candidate := range connectionStates {
			value := 0.0
			if candidate == state {
				value = 1
			}
			r.connectionState.WithLabelValues(room, candidate).Set(value)
		}
		stats.State = state
	case bus.EventRoomExhausted:
		stats.State = "CLOSED"
		stats.LastError = ev.Error
	}
}

// SetQueueDepths records the current per-tier queue depth of a room.
func (r *Recorder) SetQueueDepths(room string, depths map[event.Priority]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.roomLocked(room)

	for _, priority := range event.Tiers {
		depth := depths[priority]
		r.queueDepth.WithLabelValues(room, priority.String()).Set(float64(depth))
		stats.QueueDepth[priority.String()] = depth
	}
}

// SetUsage records cumulative responder token usage.
func (r *Recorder) SetUsage(usage respondertypes.TokenUsage) {
	r.tokens.WithLabelValues("input").Set(float64(usage.InputTokens))
	r.tokens.WithLabelValues("output").Set(float64(usage.OutputTokens))
	r.tokens.WithLabelValues("total").Set(float64(usage.TotalTokens))
	r.tokens.WithLabelValues("reasoning").Set(float64(usage.ReasoningTokens))

	r.mu.Lock()
	r.usage = usage
	r.mu.Unlock()
}

// Snapshot copies the room summaries, sorted by room id.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := Snapshot{
		StartedAt:     r.started,
		UptimeSeconds: int64(r.now().Sub(r.started).Seconds()),
		Rooms:         make([]RoomStats, 0, len(r.rooms)),
		Usage:         r.usage,
	}
	for _, stats := range r.rooms {
		copied := *stats
		copied.ByKind = cloneMap(stats.ByKind)
		copied.ByPriority = cloneMap(stats.ByPriority)
		copied.QueueDepth = cloneMap(stats.QueueDepth)
		snapshot.Rooms = append(snapshot.Rooms, copied)
	}
	sort.Slice(snapshot.Rooms, func(i, j int) bool {
		return snapshot.Rooms[i].RoomID < snapshot.Rooms[j].RoomID
	})

	return snapshot
}

func (r *Recorder) roomLocked(room string) *RoomStats {
	stats, ok := r.rooms[room]
	if !ok {
		stats = &RoomStats{
			RoomID:     room,
			State:      "DISCONNECTED",
			ByKind:     make(map[string]uint64),
			ByPriority: make(map[string]uint64),
			QueueDepth: make(map[string]int),
		}
		r.rooms[room] = stats
	}
	return stats
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

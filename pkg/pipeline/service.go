package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"roomrelay/pkg/alert"
	"roomrelay/pkg/bus"
	"roomrelay/pkg/classify"
	"roomrelay/pkg/config"
	"roomrelay/pkg/gateway"
	"roomrelay/pkg/metrics"
	"roomrelay/pkg/responder"
	respondertypes "roomrelay/pkg/responder/types"
	"roomrelay/pkg/transport"
)

const healthCheckInterval = 30 * time.Second

// Responder is the reply generator shared by every room.
type Responder interface {
	responder.Responder
	Health(ctx context.Context) error
}

type usageReporter interface {
	Usage() respondertypes.TokenUsage
}

type closer interface {
	Close()
}

// ServiceOption customizes a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	responder Responder
	dialer    transport.Dialer
	notifier  *alert.Notifier
}

// WithResponder replaces the responder built from config.
func WithResponder(r Responder) ServiceOption {
	return func(o *serviceOptions) {
		o.responder = r
	}
}

// WithDialer replaces the websocket dialer of every room.
func WithDialer(d transport.Dialer) ServiceOption {
	return func(o *serviceOptions) {
		o.dialer = d
	}
}

// WithNotifier replaces the alert notifier built from config.
func WithNotifier(n *alert.Notifier) ServiceOption {
	return func(o *serviceOptions) {
		o.notifier = n
	}
}

// Service runs every configured room plus the status server.
type Service struct {
	cfg       *config.Config
	log       *slog.Logger
	responder Responder
	bus       *bus.Bus
	metrics   *metrics.Recorder
	notifier  *alert.Notifier
	rooms     []*Room
	server    *gateway.Server

	mu                sync.RWMutex
	startedAt         time.Time
	responderLastOKAt time.Time
	responderLastErr  string
	roomRunning       map[string]bool
	roomErrors        map[string]string
}

func NewService(cfg *config.Config, log *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	var options serviceOptions
	for _, opt := range opts {
		opt(&options)
	}

	classifier, err := classify.New(cfg.Classifier)
	if err != nil {
		return nil, fmt.Errorf("initialize classifier: %w", err)
	}

	resp := options.responder
	if resp == nil {
		prefix := cfg.Pipeline.WithDefaults().CorrectionPrefix
		sessions, err := responder.New(cfg.Responder, prefix, log)
		if err != nil {
			return nil, fmt.Errorf("initialize responder: %w", err)
		}
		resp = sessions
	}

	notifier := options.notifier
	if notifier == nil {
		notifier, err = alert.FromConfig(cfg.Alerts, log)
		if err != nil {
			return nil, err
		}
	}

	s := &Service{
		cfg:         cfg,
		log:         log.With("component", "pipeline.service"),
		responder:   resp,
		bus:         bus.New(),
		metrics:     metrics.New(),
		notifier:    notifier,
		roomRunning: make(map[string]bool, len(cfg.Rooms)),
		roomErrors:  make(map[string]string, len(cfg.Rooms)),
	}

	for _, roomCfg := range cfg.Rooms {
		room, err := NewRoom(roomCfg, cfg.RoomPipeline(roomCfg), Deps{
			Responder:  resp,
			Classifier: classifier,
			Bus:        s.bus,
			Metrics:    s.metrics,
			Dialer:     options.dialer,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		s.rooms = append(s.rooms, room)
	}

	s.server, err = gateway.NewServer(s, gateway.Options{
		Host:    cfg.Gateway.Host,
		Port:    cfg.Gateway.Port,
		Metrics: s.metrics.Handler(),
		Stats:   s.metrics.StatsHandler(),
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Rooms returns the managed rooms.
func (s *Service) Rooms() []*Room {
	return append([]*Room(nil), s.rooms...)
}

// Metrics exposes the recorder backing /metrics and /stats.
func (s *Service) Metrics() *metrics.Recorder {
	return s.metrics
}

// Bus exposes the lifecycle event bus.
func (s *Service) Bus() *bus.Bus {
	return s.bus
}

// Run starts every room and the status server. It returns nil when ctx
// ends and an error when the status server fails or every room has
// exhausted its reconnect budget.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkResponderHealth(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// Subscribe before any room starts so no lifecycle event is missed.
	metricEvents, stopMetrics := s.bus.Subscribe(gctx, 1024)
	defer stopMetrics()
	g.Go(func() error {
		s.metrics.Consume(metricEvents)
		return nil
	})
	if s.notifier != nil {
		alertEvents, stopAlerts := s.bus.Subscribe(gctx, 256)
		defer stopAlerts()
		g.Go(func() error {
			s.notifier.Consume(gctx, alertEvents)
			return nil
		})
	}
	g.Go(func() error {
		return s.server.Run(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(healthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.checkResponderHealth(gctx); err != nil {
					s.log.Warn("Responder health check failed", "error", err)
				}
			}
		}
	})
	g.Go(func() error {
		return s.runRooms(gctx)
	})

	err := g.Wait()
	s.bus.Close()
	if c, ok := s.responder.(closer); ok {
		c.Close()
	}
	return err
}

func (s *Service) runRooms(ctx context.Context) error {
	var rooms errgroup.Group
	for _, room := range s.rooms {
		s.setRoomState(room.ID(), true, "")
		rooms.Go(func() error {
			err := room.Run(ctx)
			s.setRoomState(room.ID(), false, errorString(err))
			if err != nil {
				s.log.Error("Room stopped", "room_id", room.ID(), "error", err)
			}
			return err
		})
	}

	err := rooms.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = errors.New("no room running")
	}
	return fmt.Errorf("all rooms stopped: %w", err)
}

// Status implements gateway.StatusSource.
func (s *Service) Status() gateway.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}
	lastOK := ""
	if !s.responderLastOKAt.IsZero() {
		lastOK = s.responderLastOKAt.Format(time.RFC3339)
	}

	rooms := make([]gateway.RoomStatus, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, gateway.RoomStatus{
			ID:      room.ID(),
			State:   room.State().String(),
			Running: s.roomRunning[room.ID()],
			Queued:  room.Queued(),
			Breaker: room.BreakerState(),
			Error:   s.roomErrors[room.ID()],
		})
	}

	return gateway.Status{
		UptimeSeconds:     uptime,
		ResponderLastOKAt: lastOK,
		ResponderLastErr:  s.responderLastErr,
		Rooms:             rooms,
	}
}

// Ready reports whether the responder is healthy and at least one room is
// connected.
func (s *Service) Ready() bool {
	s.mu.RLock()
	healthy := !s.responderLastOKAt.IsZero() && s.responderLastErr == ""
	s.mu.RUnlock()
	if !healthy {
		return false
	}

	for _, room := range s.rooms {
		if room.State() == transport.StateConnected {
			return true
		}
	}
	return false
}

func (s *Service) checkResponderHealth(ctx context.Context) error {
	if usage, ok := s.responder.(usageReporter); ok {
		s.metrics.SetUsage(usage.Usage())
	}

	if err := s.responder.Health(ctx); err != nil {
		s.mu.Lock()
		s.responderLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("responder health check failed: %w", err)
	}

	s.mu.Lock()
	s.responderLastErr = ""
	s.responderLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) setRoomState(id string, running bool, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomRunning[id] = running
	s.roomErrors[id] = errText
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

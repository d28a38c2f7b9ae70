package outbound

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"roomrelay/pkg/faults"
	"roomrelay/pkg/logger"
)

const (
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 2 * time.Second
	ellipsis              = "…"
)

// Transport is the room send path, normally a *transport.Connector.
type Transport interface {
	Send(ctx context.Context, content string, flagged bool) error
}

// Result describes one finished delivery, successful or not.
type Result struct {
	Content  string
	Flagged  bool
	Attempts int
	Err      error
}

// Options configures a Sender. RatePerSecond <= 0 disables rate limiting.
type Options struct {
	RatePerSecond    float64
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxLength        int
	CorrectionPrefix string
	Logger           *slog.Logger
	OnResult         func(Result)
}

// Stats is a point-in-time snapshot of delivery counters.
type Stats struct {
	Sent        int64
	Corrections int64
	Failed      int64
	Retries     int64
}

// Sender delivers replies with rate discipline and bounded retry.
type Sender struct {
	transport Transport
	opts      Options
	limiter   *rate.Limiter
	log       *slog.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	sent        atomic.Int64
	corrections atomic.Int64
	failed      atomic.Int64
	retries     atomic.Int64
}

func New(transport Transport, opts Options) (*Sender, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.MaxRetries < 0 {
		return nil, errors.New("max retries must not be negative")
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	return &Sender{
		transport: transport,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, 1),
		log:       opts.Logger.With("component", "outbound.sender"),
	}, nil
}

// Send delivers an ordinary reply.
func (s *Sender) Send(ctx context.Context, text string) error {
	return s.deliver(ctx, text, false)
}

// SendCorrection delivers a flagged official correction.
func (s *Sender) SendCorrection(ctx context.Context, text string) error {
	return s.deliver(ctx, text, true)
}

// Stats returns the delivery counters.
func (s *Sender) Stats() Stats {
	return Stats{
		Sent:        s.sent.Load(),
		Corrections: s.corrections.Load(),
		Failed:      s.failed.Load(),
		Retries:     s.retries.Load(),
	}
}

// Close rejects new sends and waits for in-flight ones until ctx ends.
func (s *Sender) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) deliver(ctx context.Context, text string, flagged bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	content := s.Prepare(text, flagged)
	if content == "" {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return faults.Send("sender closed", nil)
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if err := s.limiter.Wait(ctx); err != nil {
		return s.finish(Result{Content: content, Flagged: flagged, Err: faults.Send("rate limit wait", err)})
	}

	attempts := 0
	operation := func() error {
		attempts++
		err := s.transport.Send(ctx, content, flagged)
		if err == nil {
			return nil
		}
		if !errors.Is(err, faults.ErrSend) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.InitialBackoff
	policy.MaxInterval = defaultMaxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()

	notify := func(err error, delay time.Duration) {
		s.retries.Add(1)
		s.log.Debug("Retrying send", "attempt", attempts, "delay", delay, "error", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.opts.MaxRetries)), ctx), notify)
	if err != nil && !errors.Is(err, faults.ErrSend) {
		err = faults.Send("deliver", err)
	}

	return s.finish(Result{Content: content, Flagged: flagged, Attempts: attempts, Err: err})
}

func (s *Sender) finish(result Result) error {
	if result.Err != nil {
		s.failed.Add(1)
		s.log.Warn("Send dropped", "flagged", result.Flagged, "attempts", result.Attempts, "content", logger.Preview(result.Content), "error", result.Err)
	} else {
		s.sent.Add(1)
		if result.Flagged {
			s.corrections.Add(1)
		}
		s.log.Debug("Reply sent", "flagged", result.Flagged, "attempts", result.Attempts)
	}

	if s.opts.OnResult != nil {
		s.opts.OnResult(result)
	}

	return result.Err
}

// Prepare applies the correction prefix and the length cap to text.
func (s *Sender) Prepare(text string, flagged bool) string {
	content := strings.TrimSpace(text)
	if content == "" {
		return ""
	}

	prefix := strings.TrimSpace(s.opts.CorrectionPrefix)
	if flagged && prefix != "" && !strings.HasPrefix(content, prefix) {
		content = prefix + content
	}

	return truncate(content, s.opts.MaxLength)
}

func truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}

	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	if limit == 1 {
		return ellipsis
	}

	return string(runes[:limit-1]) + ellipsis
}

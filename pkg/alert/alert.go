// Package alert notifies operators about room connection trouble and
// high-priority complaints.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"roomrelay/pkg/bus"
	"roomrelay/pkg/config"
	"roomrelay/pkg/event"
)

const (
	defaultCooldown  = 300 * time.Second
	cooldownCapacity = 1024
)

type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

func (l Level) emoji() string {
	switch l {
	case LevelWarning:
		return "⚠️"
	case LevelError:
		return "❌"
	case LevelCritical:
		return "🚨"
	default:
		return "ℹ️"
	}
}

// Alert is one operator notification.
type Alert struct {
	Level   Level
	RoomID  string
	Title   string
	Message string
	At      time.Time
}

// Key identifies repeats of the same alert for cooldown purposes.
func (a Alert) Key() string {
	return string(a.Level) + ":" + a.RoomID + ":" + a.Title + ":" + a.Message
}

// Text renders the alert body shared by every sink.
func (a Alert) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s 【直播助手告警】%s\n\n", a.Level.emoji(), a.Title)
	if a.RoomID != "" {
		fmt.Fprintf(&b, "直播间: %s\n", a.RoomID)
	}
	if a.Message != "" {
		b.WriteString(a.Message)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n时间: %s", a.At.Local().Format("2006-01-02 15:04:05"))
	return b.String()
}

// Sink delivers alerts to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Options configures a Notifier.
type Options struct {
	Cooldown         time.Duration
	NotifyComplaints bool
	Logger           *slog.Logger
	Now              func() time.Time
}

// Notifier fans alerts out to its sinks, suppressing repeats inside the
// cooldown.
type Notifier struct {
	sinks            []Sink
	notifyComplaints bool
	recent           *expirable.LRU[string, time.Time]
	now              func() time.Time
	log              *slog.Logger

	sent       atomic.Uint64
	suppressed atomic.Uint64
}

func NewNotifier(sinks []Sink, opts Options) *Notifier {
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Notifier{
		sinks:            sinks,
		notifyComplaints: opts.NotifyComplaints,
		recent:           expirable.NewLRU[string, time.Time](cooldownCapacity, nil, opts.Cooldown),
		now:              opts.Now,
		log:              opts.Logger.With("component", "alert.notifier"),
	}
}

// FromConfig builds the configured sinks and a notifier over them. It
// returns nil when no sink is configured.
func FromConfig(cfg config.AlertsConfig, log *slog.Logger) (*Notifier, error) {
	if log == nil {
		log = slog.Default()
	}

	var sinks []Sink
	if cfg.Telegram.Enabled {
		sink, err := NewTelegramSink(cfg.Telegram)
		if err != nil {
			return nil, fmt.Errorf("initialize telegram alerts: %w", err)
		}
		sinks = append(sinks, sink)
	}
	for _, url := range cfg.Webhooks {
		sink, err := NewWebhookSink(url, nil)
		if err != nil {
			return nil, fmt.Errorf("initialize webhook alerts: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		return nil, nil
	}

	return NewNotifier(sinks, Options{
		Cooldown:         time.Duration(cfg.CooldownSeconds) * time.Second,
		NotifyComplaints: cfg.NotifyComplaints,
		Logger:           log,
	}), nil
}

// Notify delivers alert to every sink unless an identical alert went out
// within the cooldown. It reports whether the alert was delivered anywhere.
func (n *Notifier) Notify(ctx context.Context, alert Alert) bool {
	if n == nil {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if alert.At.IsZero() {
		alert.At = n.now()
	}

	key := alert.Key()
	if _, recent := n.recent.Get(key); recent {
		n.suppressed.Add(1)
		n.log.Debug("Alert suppressed by cooldown", "room_id", alert.RoomID, "title", alert.Title)
		return false
	}
	n.recent.Add(key, alert.At)

	var errs []error
	delivered := false
	for _, sink := range n.sinks {
		if err := sink.Send(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		delivered = true
	}
	if err := errors.Join(errs...); err != nil {
		n.log.Warn("Alert delivery failed", "room_id", alert.RoomID, "title", alert.Title, "error", err)
	}
	if delivered {
		n.sent.Add(1)
		n.log.Info("Alert sent", "level", string(alert.Level), "room_id", alert.RoomID, "title", alert.Title)
	}

	return delivered
}

// Sent returns how many alerts reached at least one sink.
func (n *Notifier) Sent() uint64 {
	return n.sent.Load()
}

// Suppressed returns how many alerts the cooldown swallowed.
func (n *Notifier) Suppressed() uint64 {
	return n.suppressed.Load()
}

// Run turns bus events into alerts until the subscription ends.
func (n *Notifier) Run(ctx context.Context, b *bus.Bus) {
	events, unsubscribe := b.Subscribe(ctx, 256)
	defer unsubscribe()
	n.Consume(ctx, events)
}

// Consume notifies on events until the channel closes.
func (n *Notifier) Consume(ctx context.Context, events <-chan bus.Event) {
	for ev := range events {
		if alert, ok := n.alertFor(ev); ok {
			n.Notify(ctx, alert)
		}
	}
}

func (n *Notifier) alertFor(ev bus.Event) (Alert, bool) {
	switch ev.Type {
	case bus.EventConnectionState:
		if ev.Payload["from"] == "CONNECTED" && ev.Payload["to"] == "DISCONNECTED" {
			return Alert{Level: LevelWarning, RoomID: ev.RoomID, Title: "直播间连接断开", Message: "正在尝试重连", At: ev.At}, true
		}
	case bus.EventRoomExhausted:
		return Alert{Level: LevelCritical, RoomID: ev.RoomID, Title: "直播间重连失败", Message: ev.Error, At: ev.At}, true
	case bus.EventAdmitted:
		if n.notifyComplaints && ev.Category == string(event.CategoryComplaint) {
			message := fmt.Sprintf("用户 %s: %s", ev.SenderID, ev.Payload["text"])
			return Alert{Level: LevelError, RoomID: ev.RoomID, Title: "收到用户投诉", Message: message, At: ev.At}, true
		}
	}

	return Alert{}, false
}

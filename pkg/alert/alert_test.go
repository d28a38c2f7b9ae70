package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"roomrelay/pkg/bus"
	"roomrelay/pkg/config"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *recordingSink) received() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

func TestNotifySuppressesRepeatsWithinCooldown(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	n := NewNotifier([]Sink{sink}, Options{Cooldown: 50 * time.Millisecond})
	alert := Alert{Level: LevelWarning, RoomID: "r1", Title: "直播间连接断开"}

	if !n.Notify(context.Background(), alert) {
		t.Fatal("first alert should be delivered")
	}
	if n.Notify(context.Background(), alert) {
		t.Fatal("repeat inside cooldown should be suppressed")
	}
	if !n.Notify(context.Background(), Alert{Level: LevelWarning, RoomID: "r2", Title: "直播间连接断开"}) {
		t.Fatal("alert for another room should not share the cooldown")
	}

	time.Sleep(120 * time.Millisecond)
	if !n.Notify(context.Background(), alert) {
		t.Fatal("alert after cooldown should be delivered")
	}

	if got := len(sink.received()); got != 3 {
		t.Fatalf("sink received %d alerts, want 3", got)
	}
	if n.Sent() != 3 || n.Suppressed() != 1 {
		t.Fatalf("sent=%d suppressed=%d", n.Sent(), n.Suppressed())
	}
}

func TestNotifyReportsPartialDelivery(t *testing.T) {
	t.Parallel()

	failing := &recordingSink{err: errors.New("boom")}
	working := &recordingSink{}
	n := NewNotifier([]Sink{failing, working}, Options{})

	if !n.Notify(context.Background(), Alert{Level: LevelError, Title: "x"}) {
		t.Fatal("alert should count as delivered when one sink succeeds")
	}
	if len(working.received()) != 1 {
		t.Fatal("working sink should still receive the alert")
	}

	onlyFailing := NewNotifier([]Sink{&recordingSink{err: errors.New("boom")}}, Options{})
	if onlyFailing.Notify(context.Background(), Alert{Level: LevelError, Title: "x"}) {
		t.Fatal("alert should not count as delivered when every sink fails")
	}
}

func TestAlertForBusEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		complaints bool
		ev         bus.Event
		wantLevel  Level
		wantAlert  bool
	}{
		{
			name:      "connection lost",
			ev:        bus.Event{Type: bus.EventConnectionState, RoomID: "r1", Payload: map[string]string{"from": "CONNECTED", "to": "DISCONNECTED"}},
			wantLevel: LevelWarning,
			wantAlert: true,
		},
		{
			name: "connecting is quiet",
			ev:   bus.Event{Type: bus.EventConnectionState, RoomID: "r1", Payload: map[string]string{"from": "DISCONNECTED", "to": "CONNECTING"}},
		},
		{
			name:      "room exhausted",
			ev:        bus.Event{Type: bus.EventRoomExhausted, RoomID: "r1", Error: "gave up after 5 reconnection attempts"},
			wantLevel: LevelCritical,
			wantAlert: true,
		},
		{
			name:       "complaint when enabled",
			complaints: true,
			ev:         bus.Event{Type: bus.EventAdmitted, RoomID: "r1", Category: "complaint", Payload: map[string]string{"text": "投诉，东西坏了"}},
			wantLevel:  LevelError,
			wantAlert:  true,
		},
		{
			name: "complaint when disabled",
			ev:   bus.Event{Type: bus.EventAdmitted, RoomID: "r1", Category: "complaint"},
		},
		{
			name:       "price inquiry",
			complaints: true,
			ev:         bus.Event{Type: bus.EventAdmitted, RoomID: "r1", Category: "price_inquiry"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNotifier(nil, Options{NotifyComplaints: tt.complaints})
			alert, ok := n.alertFor(tt.ev)
			if ok != tt.wantAlert {
				t.Fatalf("alertFor ok = %v, want %v", ok, tt.wantAlert)
			}
			if ok && alert.Level != tt.wantLevel {
				t.Fatalf("level = %q, want %q", alert.Level, tt.wantLevel)
			}
		})
	}
}

func TestRunForwardsBusEvents(t *testing.T) {
	t.Parallel()

	b := bus.New()
	t.Cleanup(b.Close)
	sink := &recordingSink{}
	n := NewNotifier([]Sink{sink}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx, b)

	deadline := time.Now().Add(time.Second)
	for len(sink.received()) == 0 && time.Now().Before(deadline) {
		b.Publish(ctx, bus.Event{Type: bus.EventRoomExhausted, RoomID: "r1", Error: "gave up"})
		time.Sleep(10 * time.Millisecond)
	}

	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("received %d alerts, want exactly 1 thanks to cooldown", len(got))
	}
	if !strings.Contains(got[0].Text(), "r1") {
		t.Fatalf("alert text missing room: %q", got[0].Text())
	}
}

func TestWebhookSinkPayloads(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		bodies []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		if strings.Contains(r.URL.Path, "fail") {
			http.Error(w, "bad token", http.StatusForbidden)
		}
	}))
	t.Cleanup(srv.Close)

	sink, err := NewWebhookSink(srv.URL+"/hook", srv.Client())
	if err != nil {
		t.Fatalf("NewWebhookSink() error = %v", err)
	}
	alert := Alert{Level: LevelCritical, RoomID: "r1", Title: "直播间重连失败", At: time.Now()}
	if err := sink.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	mu.Lock()
	body := bodies[0]
	mu.Unlock()
	if body["msg_type"] != "text" {
		t.Fatalf("msg_type = %v", body["msg_type"])
	}
	content, _ := body["content"].(map[string]any)
	if text, _ := content["text"].(string); !strings.Contains(text, "直播间重连失败") {
		t.Fatalf("content.text = %q", text)
	}

	failing, _ := NewWebhookSink(srv.URL+"/fail", srv.Client())
	if err := failing.Send(context.Background(), alert); err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("Send() error = %v, want 403", err)
	}
}

func TestWebhookSinkDetectsWeCom(t *testing.T) {
	t.Parallel()

	sink, err := NewWebhookSink("https://qyapi.weixin.qq.com/cgi-bin/webhook/send?key=abc", nil)
	if err != nil {
		t.Fatalf("NewWebhookSink() error = %v", err)
	}
	if sink.Name() != "wecom" {
		t.Fatalf("Name() = %q, want wecom", sink.Name())
	}
	payload, ok := sink.payload("hi").(wecomText)
	if !ok || payload.MsgType != "text" || payload.Text.Content != "hi" {
		t.Fatalf("payload = %+v", sink.payload("hi"))
	}

	for _, raw := range []string{"", "ftp://example.com", "not a url"} {
		if _, err := NewWebhookSink(raw, nil); err == nil {
			t.Fatalf("NewWebhookSink(%q) should fail", raw)
		}
	}
}

type fakeBot struct {
	params []*telego.SendMessageParams
}

func (b *fakeBot) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	b.params = append(b.params, params)
	return &telego.Message{}, nil
}

func TestTelegramSinkSendsToChat(t *testing.T) {
	t.Parallel()

	bot := &fakeBot{}
	sink := &TelegramSink{bot: bot, chatID: 42}
	if err := sink.Send(context.Background(), Alert{Level: LevelWarning, Title: "直播间连接断开"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(bot.params) != 1 || bot.params[0].ChatID.ID != 42 {
		t.Fatalf("params = %+v", bot.params)
	}
	if !strings.Contains(bot.params[0].Text, "直播间连接断开") {
		t.Fatalf("text = %q", bot.params[0].Text)
	}

	if _, err := NewTelegramSink(config.TelegramAlertConfig{Enabled: true}); err == nil {
		t.Fatal("missing token should fail")
	}
}

func TestFromConfigWithoutSinks(t *testing.T) {
	t.Parallel()

	n, err := FromConfig(config.AlertsConfig{}, nil)
	if err != nil || n != nil {
		t.Fatalf("FromConfig() = %v, %v; want nil, nil", n, err)
	}
	if n.Notify(context.Background(), Alert{}) {
		t.Fatal("nil notifier must not deliver")
	}
}

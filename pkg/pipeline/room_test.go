package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"roomrelay/pkg/bus"
	"roomrelay/pkg/config"
	"roomrelay/pkg/event"
	"roomrelay/pkg/faults"
	"roomrelay/pkg/responder"
	"roomrelay/pkg/transport"
)

type scriptedResponder struct {
	mu      sync.Mutex
	calls   []string
	reply   func(key, text string) (responder.Reply, error)
	healthy atomic.Bool
}

func (s *scriptedResponder) Respond(_ context.Context, key string, text string) (responder.Reply, error) {
	s.mu.Lock()
	s.calls = append(s.calls, key+"|"+text)
	s.mu.Unlock()
	if s.reply != nil {
		return s.reply(key, text)
	}
	return responder.Reply{Text: "收到：" + text}, nil
}

func (s *scriptedResponder) Health(context.Context) error {
	if !s.healthy.Load() {
		return errors.New("responder down")
	}
	return nil
}

func (s *scriptedResponder) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// fakeRoom is an in-process live room: it pushes scripted frames to each
// client and records every frame the client writes back.
type fakeRoom struct {
	srv    *httptest.Server
	frames chan transport.OutboundFrame
}

func newFakeRoom(t *testing.T, script ...string) *fakeRoom {
	t.Helper()

	room := &fakeRoom{frames: make(chan transport.OutboundFrame, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	room.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for _, frame := range script {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var out transport.OutboundFrame
			if json.Unmarshal(data, &out) == nil && out.Type == "chat" {
				room.frames <- out
			}
		}
	}))
	t.Cleanup(room.srv.Close)

	return room
}

func (f *fakeRoom) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRoom) next(t *testing.T) transport.OutboundFrame {
	t.Helper()
	select {
	case out := <-f.frames:
		return out
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return transport.OutboundFrame{}
	}
}

func chatFrame(user, content string) string {
	return fmt.Sprintf(`{"type":"chat","user_id":%q,"username":"观众","content":%q}`, user, content)
}

func fastPipeline() config.PipelineConfig {
	return config.PipelineConfig{
		OutboundRateLimitPerSecond: 100,
		ShutdownGraceSeconds:       1,
	}
}

func newTestRoom(t *testing.T, url string, cfg config.PipelineConfig, deps Deps) *Room {
	t.Helper()
	if deps.Responder == nil {
		deps.Responder = &scriptedResponder{}
	}
	room, err := NewRoom(config.RoomConfig{ID: "r1", URL: url}, cfg, deps)
	require.NoError(t, err)
	return room
}

func collect(t *testing.T, b *bus.Bus) func() []bus.Event {
	t.Helper()

	events, unsubscribe := b.Subscribe(context.Background(), 1024)
	var (
		mu  sync.Mutex
		got []bus.Event
	)
	go func() {
		for ev := range events {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		}
	}()
	t.Cleanup(unsubscribe)

	return func() []bus.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]bus.Event(nil), got...)
	}
}

func countType(events []bus.Event, typ bus.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestIngestClassifiesDedupsAndOrders(t *testing.T) {
	t.Parallel()

	b := bus.New()
	t.Cleanup(b.Close)
	events := collect(t, b)
	room := newTestRoom(t, "ws://room.invalid/ws", fastPipeline(), Deps{Bus: b})

	ctx := context.Background()
	room.Ingest(ctx, []byte(chatFrame("u1", "iPhone 15多少钱")))
	room.Ingest(ctx, []byte(chatFrame("u2", "在吗")))
	room.Ingest(ctx, []byte(chatFrame("u2", "在吗")))
	room.Ingest(ctx, []byte(chatFrame("u3", "投诉，东西坏了")))
	room.Ingest(ctx, []byte(`{"type":"heartbeat_ack"}`))
	room.Ingest(ctx, []byte(`{"type":"chat","user_id":"u4"}`))

	require.Equal(t, 3, room.Queued())

	first, ok := room.queue.TryPop()
	require.True(t, ok)
	require.Equal(t, event.CategoryComplaint, first.Category)
	require.Equal(t, event.PriorityHigh, first.Priority)

	second, _ := room.queue.TryPop()
	require.Equal(t, event.CategoryPriceInquiry, second.Category)
	require.Equal(t, event.PriorityMedium, second.Priority)

	third, _ := room.queue.TryPop()
	require.Equal(t, event.CategoryGreeting, third.Category)
	require.Equal(t, "r1:u2", third.ConversationKey())

	require.Eventually(t, func() bool {
		got := events()
		return countType(got, bus.EventAdmitted) == 3 &&
			countType(got, bus.EventDropped) == 1 &&
			countType(got, bus.EventMalformed) == 1
	}, time.Second, 10*time.Millisecond)

	for _, ev := range events() {
		require.Equal(t, "r1", ev.RoomID)
		if ev.Type == bus.EventDropped {
			require.Equal(t, bus.ReasonDuplicate, ev.Reason)
		}
		if ev.Type == bus.EventAdmitted && ev.Category == "complaint" {
			require.Contains(t, ev.Payload["text"], "投诉")
		}
	}
}

func TestQueueOverflowIsPublished(t *testing.T) {
	t.Parallel()

	b := bus.New()
	t.Cleanup(b.Close)
	events := collect(t, b)

	cfg := fastPipeline()
	cfg.QueueCapacity = 1
	room := newTestRoom(t, "ws://room.invalid/ws", cfg, Deps{Bus: b})

	room.Ingest(context.Background(), []byte(`{"type":"like","user_id":"u1","like_count":1}`))
	room.Ingest(context.Background(), []byte(chatFrame("u2", "投诉")))
	require.Equal(t, 1, room.Queued())

	require.Eventually(t, func() bool {
		for _, ev := range events() {
			if ev.Type == bus.EventDropped && ev.Reason == bus.ReasonOverflow && ev.Kind == "like" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestRoomRepliesEndToEnd(t *testing.T) {
	fake := newFakeRoom(t,
		chatFrame("u1", "iPhone 15多少钱"),
		chatFrame("u2", "在吗"),
		chatFrame("u2", "在吗"),
		`{"type":"room_state","room_id":"r1","title":"新品","viewer_count":10,"status":"live"}`,
	)

	resp := &scriptedResponder{}
	b := bus.New()
	t.Cleanup(b.Close)
	events := collect(t, b)
	room := newTestRoom(t, fake.url(), fastPipeline(), Deps{Responder: resp, Bus: b})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- room.Run(ctx) }()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		out := fake.next(t)
		require.False(t, out.IsOfficial)
		got[out.Content] = true
	}
	require.True(t, got["收到：iPhone 15多少钱"], "replies = %v", got)
	require.True(t, got["收到：在吗"], "replies = %v", got)

	select {
	case extra := <-fake.frames:
		t.Fatalf("unexpected extra reply %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
	require.Len(t, resp.received(), 2, "duplicate and room_state events must not reach the responder")

	require.NoError(t, room.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	require.Equal(t, transport.StateClosed, room.State())

	require.Eventually(t, func() bool {
		all := events()
		return countType(all, bus.EventReplySent) == 2 && countType(all, bus.EventConnectionState) >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestRoomSendsCorrections(t *testing.T) {
	fake := newFakeRoom(t, chatFrame("u1", "这个是不是199"))

	resp := &scriptedResponder{reply: func(string, string) (responder.Reply, error) {
		return responder.Reply{Text: "价格是99元", Correction: true}, nil
	}}
	room := newTestRoom(t, fake.url(), fastPipeline(), Deps{Responder: resp})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = room.Run(ctx) }()
	t.Cleanup(func() { _ = room.Close() })

	out := fake.next(t)
	require.True(t, out.IsOfficial)
	require.Equal(t, config.DefaultCorrectionPrefix+"价格是99元", out.Content)
}

func TestResponderFailureDoesNotStopRoom(t *testing.T) {
	fake := newFakeRoom(t,
		chatFrame("u1", "第一条"),
		chatFrame("u2", "第二条"),
	)

	resp := &scriptedResponder{reply: func(_ string, text string) (responder.Reply, error) {
		if text == "第一条" {
			return responder.Reply{}, errors.New("model unavailable")
		}
		return responder.Reply{Text: "好的"}, nil
	}}
	b := bus.New()
	t.Cleanup(b.Close)
	events := collect(t, b)
	room := newTestRoom(t, fake.url(), fastPipeline(), Deps{Responder: resp, Bus: b})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = room.Run(ctx) }()
	t.Cleanup(func() { _ = room.Close() })

	require.Equal(t, "好的", fake.next(t).Content)
	require.Eventually(t, func() bool {
		return countType(events(), bus.EventResponderFailed) == 1
	}, time.Second, 10*time.Millisecond)
}

type refusingDialer struct {
	dials atomic.Int32
}

func (d *refusingDialer) Dial(context.Context, string, http.Header) (transport.Conn, error) {
	d.dials.Add(1)
	return nil, errors.New("connection refused")
}

func TestRoomReturnsConnectionExhausted(t *testing.T) {
	t.Parallel()

	b := bus.New()
	t.Cleanup(b.Close)
	events := collect(t, b)

	cfg := fastPipeline()
	cfg.MaxReconnectRetries = 1
	cfg.ReconnectDelaySeconds = 1
	dialer := &refusingDialer{}
	room := newTestRoom(t, "ws://room.invalid/ws", cfg, Deps{Bus: b, Dialer: dialer})

	err := room.Run(context.Background())
	require.True(t, errors.Is(err, faults.ErrConnectionExhausted), "got %v", err)
	require.Equal(t, int32(2), dialer.dials.Load())

	require.Eventually(t, func() bool {
		return countType(events(), bus.EventRoomExhausted) == 1
	}, time.Second, 10*time.Millisecond)

	require.Error(t, room.Run(context.Background()), "a finished room cannot be restarted")
	require.NoError(t, room.Close())
}

func TestCloseDiscardsQueuedEvents(t *testing.T) {
	t.Parallel()

	room := newTestRoom(t, "ws://room.invalid/ws", fastPipeline(), Deps{})
	room.Ingest(context.Background(), []byte(chatFrame("u1", "你好")))
	room.Ingest(context.Background(), []byte(chatFrame("u2", "多少钱")))
	require.Equal(t, 2, room.Queued())

	require.NoError(t, room.Close())
	require.Equal(t, 0, room.Queued())
	require.Equal(t, transport.StateClosed, room.State())
}

func TestNewRoomValidates(t *testing.T) {
	t.Parallel()

	_, err := NewRoom(config.RoomConfig{URL: "ws://x"}, config.PipelineConfig{}, Deps{Responder: &scriptedResponder{}})
	require.Error(t, err)

	_, err = NewRoom(config.RoomConfig{ID: "r1", URL: "ws://x"}, config.PipelineConfig{}, Deps{})
	require.Error(t, err)

	_, err = NewRoom(config.RoomConfig{ID: "r1", URL: "ws://x"}, config.PipelineConfig{ReconnectBackoff: "linear"}, Deps{Responder: &scriptedResponder{}})
	require.Error(t, err)
}

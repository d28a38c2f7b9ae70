package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"roomrelay/pkg/faults"
)

type sentFrame struct {
	content string
	flagged bool
}

type fakeTransport struct {
	mu       sync.Mutex
	frames   []sentFrame
	failures int
	err      error
	block    chan struct{}
}

func (f *fakeTransport) Send(ctx context.Context, content string, flagged bool) error {
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		if f.err != nil {
			return f.err
		}
		return faults.Send("rate limited", nil)
	}
	f.frames = append(f.frames, sentFrame{content: content, flagged: flagged})
	return nil
}

func (f *fakeTransport) sent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.frames...)
}

func newSender(t *testing.T, transport Transport, opts Options) *Sender {
	t.Helper()
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = time.Millisecond
	}
	s, err := New(transport, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestSendAndCorrectionFlags(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	s := newSender(t, transport, Options{CorrectionPrefix: "【官方更正】"})

	if err := s.Send(context.Background(), "欢迎来到直播间"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := s.SendCorrection(context.Background(), "价格是99元"); err != nil {
		t.Fatalf("SendCorrection() error = %v", err)
	}
	if err := s.SendCorrection(context.Background(), "【官方更正】库存充足"); err != nil {
		t.Fatalf("SendCorrection() error = %v", err)
	}

	got := transport.sent()
	want := []sentFrame{
		{content: "欢迎来到直播间", flagged: false},
		{content: "【官方更正】价格是99元", flagged: true},
		{content: "【官方更正】库存充足", flagged: true},
	}
	if len(got) != len(want) {
		t.Fatalf("sent %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	stats := s.Stats()
	if stats.Sent != 3 || stats.Corrections != 2 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestEmptyReplyIsNotSent(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	s := newSender(t, transport, Options{})
	if err := s.Send(context.Background(), "   "); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(transport.sent()) != 0 {
		t.Fatal("blank reply must not reach the transport")
	}
}

func TestTruncatesLongReplies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		limit int
		want  string
	}{
		{name: "fits", text: "你好", limit: 5, want: "你好"},
		{name: "exact", text: "一二三四五", limit: 5, want: "一二三四五"},
		{name: "overlong", text: "一二三四五六七", limit: 5, want: "一二三四…"},
		{name: "unlimited", text: "一二三四五六七", limit: 0, want: "一二三四五六七"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.text, tt.limit); got != tt.want {
				t.Fatalf("truncate(%q, %d) = %q, want %q", tt.text, tt.limit, got, tt.want)
			}
		})
	}
}

func TestRetriesSendErrorsThenSucceeds(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{failures: 2}
	var results []Result
	s := newSender(t, transport, Options{MaxRetries: 3, OnResult: func(r Result) { results = append(results, r) }})

	if err := s.Send(context.Background(), "稍等"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(transport.sent()) != 1 {
		t.Fatalf("sent %d frames, want 1", len(transport.sent()))
	}
	if s.Stats().Retries != 2 {
		t.Fatalf("retries = %d, want 2", s.Stats().Retries)
	}
	if len(results) != 1 || results[0].Attempts != 3 || results[0].Err != nil {
		t.Fatalf("results = %+v", results)
	}
}

func TestDropsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{failures: 10}
	s := newSender(t, transport, Options{MaxRetries: 3})

	err := s.Send(context.Background(), "稍等")
	if !errors.Is(err, faults.ErrSend) {
		t.Fatalf("Send() error = %v, want SendError", err)
	}
	if transport.failures != 6 {
		t.Fatalf("attempts = %d, want 4", 10-transport.failures)
	}
	if s.Stats().Failed != 1 {
		t.Fatalf("failed = %d, want 1", s.Stats().Failed)
	}
}

func TestNonSendErrorsAreNotRetried(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{failures: 5, err: errors.New("encode failure")}
	s := newSender(t, transport, Options{MaxRetries: 3})

	err := s.Send(context.Background(), "稍等")
	if !errors.Is(err, faults.ErrSend) {
		t.Fatalf("Send() error = %v, want SendError", err)
	}
	if transport.failures != 4 {
		t.Fatalf("attempts = %d, want 1", 5-transport.failures)
	}
}

func TestRateLimitDelaysInsteadOfDropping(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{}
	s := newSender(t, transport, Options{RatePerSecond: 20})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.Send(context.Background(), "hi"); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	elapsed := time.Since(start)

	if len(transport.sent()) != 3 {
		t.Fatalf("sent %d frames, want 3", len(transport.sent()))
	}
	if elapsed < 80*time.Millisecond {
		t.Fatalf("three sends at 20/s took %v, want >= ~100ms", elapsed)
	}
}

func TestCloseWaitsForInflightSend(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{block: make(chan struct{})}
	s := newSender(t, transport, Options{})

	sendDone := make(chan error, 1)
	go func() { sendDone <- s.Send(context.Background(), "in flight") }()

	time.Sleep(20 * time.Millisecond)
	closeDone := make(chan error, 1)
	go func() { closeDone <- s.Close(context.Background()) }()

	select {
	case <-closeDone:
		t.Fatal("Close returned before the in-flight send finished")
	case <-time.After(30 * time.Millisecond):
	}

	close(transport.block)
	if err := <-sendDone; err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := <-closeDone; err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := s.Send(context.Background(), "late"); !errors.Is(err, faults.ErrSend) {
		t.Fatalf("Send after Close error = %v, want SendError", err)
	}
}

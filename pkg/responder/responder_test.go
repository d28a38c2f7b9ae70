package responder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"roomrelay/pkg/config"
	respondertypes "roomrelay/pkg/responder/types"
)

type scriptedBackend struct {
	mu       sync.Mutex
	created  []string
	closed   []string
	prompts  []string
	systems  []string
	reply    func(sessionID, prompt string) (string, error)
	usage    *respondertypes.TokenUsage
	inflight map[string]int
	overlap  bool
}

func (b *scriptedBackend) Health(context.Context) error { return nil }

func (b *scriptedBackend) CreateSession(_ context.Context, title string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, title)
	return "s" + string(rune('0'+len(b.created))), nil
}

func (b *scriptedBackend) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, sessionID)
}

func (b *scriptedBackend) Prompt(_ context.Context, sessionID string, prompt string, system string) (respondertypes.PromptResult, error) {
	b.mu.Lock()
	if b.inflight == nil {
		b.inflight = map[string]int{}
	}
	b.inflight[sessionID]++
	if b.inflight[sessionID] > 1 {
		b.overlap = true
	}
	b.prompts = append(b.prompts, sessionID+"|"+prompt)
	b.systems = append(b.systems, system)
	b.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	b.mu.Lock()
	b.inflight[sessionID]--
	b.mu.Unlock()

	if b.reply == nil {
		return respondertypes.PromptResult{Text: "ok", Metadata: respondertypes.PromptMetadata{Usage: b.usage}}, nil
	}
	text, err := b.reply(sessionID, prompt)
	return respondertypes.PromptResult{Text: text, Metadata: respondertypes.PromptMetadata{Usage: b.usage}}, err
}

func newTestSessions(t *testing.T, backend Backend, opts SessionOptions) *Sessions {
	t.Helper()
	s, err := NewSessions(backend, opts)
	if err != nil {
		t.Fatalf("NewSessions error: %v", err)
	}
	return s
}

func TestRespondReusesSessionPerConversationKey(t *testing.T) {
	backend := &scriptedBackend{}
	s := newTestSessions(t, backend, SessionOptions{System: "persona"})

	for _, key := range []string{"r1:a", "r1:b", "r1:a"} {
		if _, err := s.Respond(context.Background(), key, "在吗"); err != nil {
			t.Fatalf("Respond(%s) error: %v", key, err)
		}
	}

	if len(backend.created) != 2 {
		t.Fatalf("created sessions = %d, want 2", len(backend.created))
	}
	if !strings.HasPrefix(backend.created[0], "roomrelay:r1:a:") {
		t.Fatalf("session title = %q", backend.created[0])
	}
	want := []string{"s1|在吗", "s2|在吗", "s1|在吗"}
	for i := range want {
		if backend.prompts[i] != want[i] {
			t.Fatalf("prompt %d = %q, want %q", i, backend.prompts[i], want[i])
		}
		if backend.systems[i] != "persona" {
			t.Fatalf("system %d = %q", i, backend.systems[i])
		}
	}
}

func TestRespondSerializesPromptsPerKey(t *testing.T) {
	backend := &scriptedBackend{}
	s := newTestSessions(t, backend, SessionOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Respond(context.Background(), "r1:same", "hello")
		}()
	}
	wg.Wait()

	if backend.overlap {
		t.Fatal("prompts for one conversation key overlapped")
	}
}

func TestParseReply(t *testing.T) {
	s := newTestSessions(t, &scriptedBackend{}, SessionOptions{CorrectionPrefix: "【官方更正】"})

	tests := []struct {
		name string
		text string
		want Reply
	}{
		{name: "plain", text: " 现货充足 ", want: Reply{Text: "现货充足"}},
		{name: "empty", text: "  ", want: Reply{}},
		{name: "no reply sentinel", text: "[NO_REPLY]", want: Reply{}},
		{name: "correction", text: "【官方更正】价格是99元", want: Reply{Text: "价格是99元", Correction: true}},
		{name: "bare prefix", text: "【官方更正】", want: Reply{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.parseReply(tt.text); got != tt.want {
				t.Fatalf("parseReply(%q) = %+v, want %+v", tt.text, got, tt.want)
			}
		})
	}
}

func TestRespondPropagatesBackendErrors(t *testing.T) {
	backend := &scriptedBackend{reply: func(string, string) (string, error) { return "", errors.New("upstream down") }}
	s := newTestSessions(t, backend, SessionOptions{})

	if _, err := s.Respond(context.Background(), "r1:a", "hi"); err == nil {
		t.Fatal("expected backend error")
	}
}

func TestRespondSkipsBlankText(t *testing.T) {
	backend := &scriptedBackend{}
	s := newTestSessions(t, backend, SessionOptions{})

	reply, err := s.Respond(context.Background(), "r1:a", "   ")
	if err != nil || reply.Text != "" {
		t.Fatalf("Respond = %+v, %v", reply, err)
	}
	if len(backend.prompts) != 0 {
		t.Fatal("blank text must not reach the backend")
	}
}

func TestEvictionClosesBackendSession(t *testing.T) {
	backend := &scriptedBackend{}
	s := newTestSessions(t, backend, SessionOptions{MaxSessions: 1})

	_, _ = s.Respond(context.Background(), "r1:a", "hi")
	_, _ = s.Respond(context.Background(), "r1:b", "hi")

	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if len(backend.closed) != 1 || backend.closed[0] != "s1" {
		t.Fatalf("closed = %v, want [s1]", backend.closed)
	}
}

func TestUsageAccumulates(t *testing.T) {
	backend := &scriptedBackend{usage: &respondertypes.TokenUsage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5}}
	s := newTestSessions(t, backend, SessionOptions{})

	_, _ = s.Respond(context.Background(), "r1:a", "hi")
	_, _ = s.Respond(context.Background(), "r1:a", "again")

	if got := s.Usage().TotalTokens; got != 10 {
		t.Fatalf("total tokens = %d, want 10", got)
	}
}

func TestNewBuildsEchoByDefault(t *testing.T) {
	s, err := New(config.ResponderConfig{}, "【官方更正】", nil)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	reply, err := s.Respond(context.Background(), "r1:a", "在吗")
	if err != nil {
		t.Fatalf("Respond error: %v", err)
	}
	if reply.Text != "在吗" {
		t.Fatalf("echo reply = %q", reply.Text)
	}
	if err := s.Health(context.Background()); err != nil {
		t.Fatalf("Health error: %v", err)
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(config.ResponderConfig{Provider: "carrier-pigeon"}, "", nil); err == nil {
		t.Fatal("expected unsupported provider error")
	}
}

func TestResolvePersona(t *testing.T) {
	t.Run("explicit prompt wins", func(t *testing.T) {
		got, err := ResolvePersona(config.ResponderConfig{Provider: "openai", SystemPrompt: " custom "})
		if err != nil || got != "custom" {
			t.Fatalf("ResolvePersona = %q, %v", got, err)
		}
	})

	t.Run("opencode agent brings its own prompt", func(t *testing.T) {
		cfg := config.ResponderConfig{Provider: "opencode"}
		cfg.OpenCode.Agent = "host"
		got, err := ResolvePersona(cfg)
		if err != nil || got != "" {
			t.Fatalf("ResolvePersona = %q, %v", got, err)
		}
	})

	t.Run("embedded template", func(t *testing.T) {
		got, err := ResolvePersona(config.ResponderConfig{Provider: "fantasy"})
		if err != nil {
			t.Fatalf("ResolvePersona error: %v", err)
		}
		if !strings.Contains(got, NoReply) {
			t.Fatalf("persona should mention %s", NoReply)
		}
	})
}

func TestTemplatePath(t *testing.T) {
	if got := templatePath("assistant"); got != "templates/assistant.md" {
		t.Fatalf("templatePath(assistant) = %q", got)
	}
}

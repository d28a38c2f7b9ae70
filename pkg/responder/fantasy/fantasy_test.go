package fantasy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	core "charm.land/fantasy"

	"roomrelay/pkg/config"
)

type fakeLanguageModelProvider struct {
	model     core.LanguageModel
	err       error
	lastID    string
	callCount int
}

func (f *fakeLanguageModelProvider) LanguageModel(ctx context.Context, modelID string) (core.LanguageModel, error) {
	f.callCount++
	f.lastID = modelID
	if f.err != nil {
		return nil, f.err
	}

	return f.model, nil
}

type fakeLanguageModel struct{}

func (f *fakeLanguageModel) Generate(context.Context, core.Call) (*core.Response, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) Stream(context.Context, core.Call) (core.StreamResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) GenerateObject(context.Context, core.ObjectCall) (*core.ObjectResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) StreamObject(context.Context, core.ObjectCall) (core.ObjectStreamResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeLanguageModel) Provider() string { return "openai" }
func (f *fakeLanguageModel) Model() string    { return "gpt-5.2" }

func textResult(text string) *core.AgentResult {
	return &core.AgentResult{
		Response: core.Response{Content: core.ResponseContent{core.TextContent{Text: text}}},
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	if _, err := New(config.ResponderConfig{Provider: "fantasy", Model: "openai/gpt-5.2"}); err == nil {
		t.Fatal("expected missing api key error")
	}
}

func TestNewAppliesGenerationLimits(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	client, err := New(config.ResponderConfig{Provider: "fantasy", Model: "openai/gpt-5.2", MaxTokens: 120, Temperature: 0.4})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if client.modelID != "gpt-5.2" {
		t.Fatalf("modelID = %q", client.modelID)
	}
	if client.maxOutputTokens == nil || *client.maxOutputTokens != 120 {
		t.Fatalf("maxOutputTokens = %v, want 120", client.maxOutputTokens)
	}
	if client.temperature == nil || *client.temperature != 0.4 {
		t.Fatalf("temperature = %v, want 0.4", client.temperature)
	}
}

func TestNormalizeOpenAIModel(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain model", input: "gpt-5.2", want: "gpt-5.2"},
		{name: "openai prefixed", input: "openai/gpt-5.2", want: "gpt-5.2"},
		{name: "non openai prefixed", input: "anthropic/claude", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeOpenAIModel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("normalizeOpenAIModel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("normalizeOpenAIModel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCreateSessionAndHealth(t *testing.T) {
	provider := &fakeLanguageModelProvider{model: &fakeLanguageModel{}}
	client := newClient(provider, "gpt-5.2")

	sessionID, err := client.CreateSession(context.Background(), "room:viewer")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if sessionID == "" {
		t.Fatal("expected non-empty session id")
	}

	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health error: %v", err)
	}
	if provider.callCount != 1 || provider.lastID != "gpt-5.2" {
		t.Fatalf("provider calls = %d, last id = %q", provider.callCount, provider.lastID)
	}

	client.CloseSession(sessionID)
	if _, ok := client.sessionHistory(sessionID); ok {
		t.Fatal("closed session should be forgotten")
	}
}

func TestPromptValidatesSessionAndInput(t *testing.T) {
	client := newClient(&fakeLanguageModelProvider{model: &fakeLanguageModel{}}, "gpt-5.2")

	if _, err := client.Prompt(context.Background(), "", "hello", ""); err == nil {
		t.Fatal("expected error for empty session")
	}
	if _, err := client.Prompt(context.Background(), "missing", "hello", ""); err == nil {
		t.Fatal("expected error for missing session")
	}

	sessionID, err := client.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}
	if _, err := client.Prompt(context.Background(), sessionID, "", ""); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestPromptMaintainsSessionHistoryAndSystemMessage(t *testing.T) {
	client := newClient(&fakeLanguageModelProvider{model: &fakeLanguageModel{}}, "gpt-5.2")

	var calls []core.AgentCall
	client.generate = func(ctx context.Context, model core.LanguageModel, call core.AgentCall) (*core.AgentResult, error) {
		calls = append(calls, call)
		return textResult(fmt.Sprintf("reply-%d", len(calls))), nil
	}

	sessionID, err := client.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession error: %v", err)
	}

	first, err := client.Prompt(context.Background(), sessionID, "在吗", "你是直播间助理")
	if err != nil || first.Text != "reply-1" {
		t.Fatalf("first Prompt = %q, %v", first.Text, err)
	}
	second, err := client.Prompt(context.Background(), sessionID, "多少钱", "你是直播间助理")
	if err != nil || second.Text != "reply-2" {
		t.Fatalf("second Prompt = %q, %v", second.Text, err)
	}

	if len(calls[0].Messages) != 1 || calls[0].Messages[0].Role != core.MessageRoleSystem {
		t.Fatalf("first call messages = %+v, want system only", calls[0].Messages)
	}
	if len(calls[1].Messages) != 3 {
		t.Fatalf("second call messages = %d, want system + one exchange", len(calls[1].Messages))
	}

	history, ok := client.sessionHistory(sessionID)
	if !ok || len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if history[0].Role != core.MessageRoleUser || history[1].Role != core.MessageRoleAssistant {
		t.Fatalf("history roles = %q, %q", history[0].Role, history[1].Role)
	}
}

func TestPromptBoundsHistory(t *testing.T) {
	client := newClient(&fakeLanguageModelProvider{model: &fakeLanguageModel{}}, "gpt-5.2")
	client.generate = func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error) {
		return textResult("ok"), nil
	}

	sessionID, _ := client.CreateSession(context.Background(), "")
	for i := 0; i < maxHistoryMessages; i++ {
		if _, err := client.Prompt(context.Background(), sessionID, fmt.Sprintf("q%d", i), ""); err != nil {
			t.Fatalf("Prompt error: %v", err)
		}
	}

	history, _ := client.sessionHistory(sessionID)
	if len(history) != maxHistoryMessages {
		t.Fatalf("history length = %d, want %d", len(history), maxHistoryMessages)
	}
}

func TestPromptReturnsGenerateError(t *testing.T) {
	client := newClient(&fakeLanguageModelProvider{model: &fakeLanguageModel{}}, "gpt-5.2")
	client.generate = func(context.Context, core.LanguageModel, core.AgentCall) (*core.AgentResult, error) {
		return nil, errors.New("upstream 500")
	}

	sessionID, _ := client.CreateSession(context.Background(), "")
	if _, err := client.Prompt(context.Background(), sessionID, "hi", ""); err == nil {
		t.Fatal("expected generate error")
	}
}

func TestExtractText(t *testing.T) {
	content := core.ResponseContent{
		core.ReasoningContent{Text: "ignore me"},
		core.TextContent{Text: "  first  "},
		core.TextContent{Text: ""},
		core.TextContent{Text: "second"},
	}

	if got := extractText(content); got != "first\nsecond" {
		t.Fatalf("extractText() = %q", got)
	}
}

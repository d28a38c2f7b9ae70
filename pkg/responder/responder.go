package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"roomrelay/pkg/config"
	"roomrelay/pkg/responder/fantasy"
	"roomrelay/pkg/responder/openai"
	"roomrelay/pkg/responder/opencode"
	respondertypes "roomrelay/pkg/responder/types"
)

const (
	ProviderEcho     = "echo"
	ProviderOpenAI   = "openai"
	ProviderOpenCode = "opencode"
	ProviderFantasy  = "fantasy"
)

// Reply is the responder outcome for one event. An empty Text means no
// reply is warranted.
type Reply struct {
	Text       string
	Correction bool
}

// Responder turns viewer text into a reply, keyed by conversation.
type Responder interface {
	Respond(ctx context.Context, conversationKey string, text string) (Reply, error)
}

// Backend is one reply-generation service with server or in-memory sessions.
type Backend interface {
	Health(ctx context.Context) error
	CreateSession(ctx context.Context, title string) (string, error)
	Prompt(ctx context.Context, sessionID string, prompt string, system string) (respondertypes.PromptResult, error)
}

// New builds the configured backend wrapped in a session manager.
func New(cfg config.ResponderConfig, correctionPrefix string, log *slog.Logger) (*Sessions, error) {
	providerID := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if providerID == "" {
		providerID = ProviderEcho
	}

	if log == nil {
		log = slog.Default()
	}
	log.With("component", "responder.factory").Debug("Resolving responder backend", "provider", providerID)

	var (
		backend Backend
		err     error
	)
	switch providerID {
	case ProviderEcho:
		backend = NewEcho()
	case ProviderOpenAI:
		backend, err = openai.New(cfg)
	case ProviderOpenCode:
		backend, err = opencode.New(cfg)
	case ProviderFantasy:
		backend, err = fantasy.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported responder provider: %s", providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize %s responder: %w", providerID, err)
	}

	persona, err := ResolvePersona(cfg)
	if err != nil {
		return nil, err
	}

	return NewSessions(backend, SessionOptions{
		System:           persona,
		CorrectionPrefix: correctionPrefix,
		Logger:           log,
	})
}

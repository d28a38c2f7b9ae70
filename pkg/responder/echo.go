package responder

import (
	"context"
	"strings"

	"github.com/google/uuid"

	respondertypes "roomrelay/pkg/responder/types"
)

// Echo replies with the viewer's own text. It needs no credentials and is
// meant for dry runs against a real room.
type Echo struct{}

func NewEcho() *Echo {
	return &Echo{}
}

func (e *Echo) Health(context.Context) error {
	return nil
}

func (e *Echo) CreateSession(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "echo-" + uuid.NewString(), nil
}

func (e *Echo) Prompt(ctx context.Context, _ string, prompt string, _ string) (respondertypes.PromptResult, error) {
	if err := ctx.Err(); err != nil {
		return respondertypes.PromptResult{}, err
	}

	return respondertypes.PromptResult{
		Text:     strings.TrimSpace(prompt),
		Metadata: respondertypes.PromptMetadata{Provider: ProviderEcho, Model: ProviderEcho},
	}, nil
}

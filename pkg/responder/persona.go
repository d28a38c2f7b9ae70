package responder

import (
	"embed"
	"fmt"
	"strings"

	"roomrelay/pkg/config"
)

const defaultPersonaName = "assistant"

//go:embed templates/*.md
var templatesFS embed.FS

// ResolvePersona returns the system prompt for cfg. An explicit
// system_prompt wins; an OpenCode agent brings its own prompt.
func ResolvePersona(cfg config.ResponderConfig) (string, error) {
	if prompt := strings.TrimSpace(cfg.SystemPrompt); prompt != "" {
		return prompt, nil
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Provider), ProviderOpenCode) && strings.TrimSpace(cfg.OpenCode.Agent) != "" {
		return "", nil
	}

	content, err := templatesFS.ReadFile(templatePath(defaultPersonaName))
	if err != nil {
		return "", fmt.Errorf("load %s persona template: %w", defaultPersonaName, err)
	}

	persona := strings.TrimSpace(string(content))
	if persona == "" {
		return "", fmt.Errorf("persona template %q is empty", defaultPersonaName)
	}

	return persona, nil
}

func templatePath(name string) string {
	return "templates/" + strings.TrimSpace(name) + ".md"
}

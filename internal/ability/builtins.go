package ability

import (
	"context"
	"fmt"
	"strings"

	"github.com/mtzanidakis/fleetd/internal/directory"
	"github.com/mtzanidakis/fleetd/internal/llm"
)

// RegisterBuiltins installs the core ability set.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Handler{
		"core.Echo":   Echo,
		"core.Prompt": Prompt,
		"core.Think":  Think,
	}
	for name, h := range builtins {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// Echo returns the payload wrapped with the agent's identity. Useful for
// connectivity checks and batch smoke tests.
func Echo(ctx context.Context, payload map[string]any, cfg *directory.AgentConfig, client *llm.Client) (map[string]any, error) {
	echoed := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == BatchIndexKey {
			continue
		}
		echoed[k] = v
	}
	return map[string]any{
		"echo":       echoed,
		"agent_name": cfg.Name,
		"agent_id":   cfg.ID,
	}, nil
}

// Prompt renders a named template from the agent config with payload
// variables and queries the LLM with the result.
func Prompt(ctx context.Context, payload map[string]any, cfg *directory.AgentConfig, client *llm.Client) (map[string]any, error) {
	name, _ := payload["prompt"].(string)
	if name == "" {
		return nil, &ValidationError{Reason: "payload key 'prompt' is required"}
	}
	tmpl, ok := cfg.Prompts[name]
	if !ok {
		return nil, &ValidationError{Reason: fmt.Sprintf("agent %s has no prompt %q", cfg.Name, name)}
	}
	if client == nil {
		return nil, &ValidationError{Reason: "agent has no llm client"}
	}

	resp, err := client.Query(ctx, renderTemplate(tmpl, payload), llm.Options{})
	if err != nil {
		return nil, fmt.Errorf("llm query: %w", err)
	}
	text, err := llm.ExtractText(resp)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}
	return map[string]any{"text": text, "model": resp.Model}, nil
}

// Think sends freeform payload text straight to the LLM.
func Think(ctx context.Context, payload map[string]any, cfg *directory.AgentConfig, client *llm.Client) (map[string]any, error) {
	text, _ := payload["text"].(string)
	if text == "" {
		text, _ = payload["value"].(string)
	}
	if text == "" {
		return nil, &ValidationError{Reason: "payload key 'text' is required"}
	}
	if client == nil {
		return nil, &ValidationError{Reason: "agent has no llm client"}
	}

	resp, err := client.Query(ctx, text, llm.Options{})
	if err != nil {
		return nil, fmt.Errorf("llm query: %w", err)
	}
	out, err := llm.ExtractText(resp)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}
	return map[string]any{"text": out, "model": resp.Model}, nil
}

// renderTemplate substitutes {{key}} markers with payload values.
func renderTemplate(tmpl string, vars map[string]any) string {
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprint(v))
	}
	return out
}

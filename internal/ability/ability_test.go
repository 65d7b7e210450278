package ability

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mtzanidakis/fleetd/internal/directory"
	"github.com/mtzanidakis/fleetd/internal/llm"
)

func noop(ctx context.Context, payload map[string]any, cfg *directory.AgentConfig, client *llm.Client) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("core.Echo/3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ref.Namespace != "core" || ref.Handler != "Echo" || ref.Arity != 3 {
		t.Errorf("unexpected ref: %+v", ref)
	}
	if ref.String() != "core.Echo/3" {
		t.Errorf("expected round trip, got %s", ref.String())
	}
}

func TestParseRefMalformed(t *testing.T) {
	for _, bad := range []string{"", "Echo", "core.Echo", "core.Echo/x", ".Echo/3", "core./3", "core.Echo/-1"} {
		if _, err := ParseRef(bad); err == nil {
			t.Errorf("expected error parsing %q", bad)
		} else {
			var de *DispatchError
			if !errors.As(err, &de) {
				t.Errorf("expected DispatchError for %q, got %T", bad, err)
			}
		}
	}
}

func TestResolve(t *testing.T) {
	r := NewRegistry([]string{"core"})
	if err := r.Register("core.Noop", noop); err != nil {
		t.Fatalf("register: %v", err)
	}

	h, err := r.Resolve("core.Noop/3")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if h == nil {
		t.Fatal("expected handler")
	}
}

func TestResolveRejectsUnapprovedNamespace(t *testing.T) {
	r := NewRegistry([]string{"core"})
	// Even a registered handler outside the allow-list must never run.
	if err := r.Register("rogue.Noop", noop); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Resolve("rogue.Noop/3")
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
}

func TestResolveRejectsUnknownHandler(t *testing.T) {
	r := NewRegistry([]string{"core"})

	_, err := r.Resolve("core.Ghost/3")
	var de *DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
}

func TestResolveRejectsWrongArity(t *testing.T) {
	r := NewRegistry([]string{"core"})
	if err := r.Register("core.Noop", noop); err != nil {
		t.Fatalf("register: %v", err)
	}

	for _, ref := range []string{"core.Noop/2", "core.Noop/4", "core.Noop/0"} {
		_, err := r.Resolve(ref)
		var de *DispatchError
		if !errors.As(err, &de) {
			t.Errorf("expected DispatchError for %s, got %v", ref, err)
		}
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(&DispatchError{Ref: "x", Reason: "y"}) {
		t.Error("dispatch errors must not be retryable")
	}
	if Retryable(&ValidationError{Reason: "y"}) {
		t.Error("validation errors must not be retryable")
	}
	if Retryable(fmt.Errorf("wrapped: %w", &DispatchError{Ref: "x", Reason: "y"})) {
		t.Error("wrapped dispatch errors must not be retryable")
	}
	if !Retryable(errors.New("network timeout")) {
		t.Error("plain errors are transient and retryable")
	}
}

func TestEcho(t *testing.T) {
	cfg := &directory.AgentConfig{ID: "id-1", Name: "worker-1"}
	payload := map[string]any{"msg": "hi", BatchIndexKey: 4}

	result, err := Echo(context.Background(), payload, cfg, nil)
	if err != nil {
		t.Fatalf("echo: %v", err)
	}

	echoed, ok := result["echo"].(map[string]any)
	if !ok {
		t.Fatalf("expected echo map, got %T", result["echo"])
	}
	if echoed["msg"] != "hi" {
		t.Errorf("expected msg hi, got %v", echoed["msg"])
	}
	if _, ok := echoed[BatchIndexKey]; ok {
		t.Error("batch index metadata must not be echoed")
	}
	if result["agent_name"] != "worker-1" || result["agent_id"] != "id-1" {
		t.Errorf("missing agent identity: %v", result)
	}
}

func TestPromptValidation(t *testing.T) {
	cfg := &directory.AgentConfig{
		ID:      "id-1",
		Name:    "worker-1",
		Prompts: map[string]string{"greet": "Hello {{who}}"},
	}

	if _, err := Prompt(context.Background(), map[string]any{}, cfg, nil); err == nil {
		t.Error("expected error without prompt name")
	}
	if _, err := Prompt(context.Background(), map[string]any{"prompt": "missing"}, cfg, nil); err == nil {
		t.Error("expected error for unknown prompt")
	}

	_, err := Prompt(context.Background(), map[string]any{"prompt": "greet"}, cfg, nil)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("expected ValidationError without client, got %v", err)
	}
}

func TestRenderTemplate(t *testing.T) {
	got := renderTemplate("Hello {{who}}, you are {{n}}.", map[string]any{"who": "world", "n": 3})
	if got != "Hello world, you are 3." {
		t.Errorf("unexpected render: %q", got)
	}
}

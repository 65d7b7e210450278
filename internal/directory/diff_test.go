package directory

import (
	"reflect"
	"testing"
)

func TestChanged(t *testing.T) {
	base := &AgentConfig{
		ID:               "a1",
		Name:             "one",
		Status:           StatusActive,
		Prompts:          map[string]string{"greet": "hi"},
		Abilities:        []string{"core.Echo/3"},
		Responsibilities: []string{"echo"},
		RetryPolicy:      RetryPolicy{Type: "fixed", MaxRetries: 2, DelayMs: 10},
	}

	if got := Changed(base, base.Clone()); len(got) != 0 {
		t.Errorf("identical configs reported changes: %v", got)
	}

	mod := base.Clone()
	mod.Status = StatusInactive
	mod.Prompts["greet"] = "hello"
	mod.Abilities = append(mod.Abilities, "core.Think/3")

	want := []string{"status", "prompts", "abilities"}
	if got := Changed(base, mod); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	if got := Changed(nil, mod); got != nil {
		t.Errorf("nil config must yield no diff, got %v", got)
	}
}

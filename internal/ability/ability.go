// Package ability implements validated dispatch of capability handlers.
// References use the form "Namespace.Handler/arity"; handlers execute
// only when the namespace is approved and the name resolves inside the
// closed registry.
package ability

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mtzanidakis/fleetd/internal/directory"
	"github.com/mtzanidakis/fleetd/internal/llm"
)

// Handler is the contract every ability implements: payload in,
// immutable config snapshot, the agent's LLM client, structured result out.
type Handler func(ctx context.Context, payload map[string]any, cfg *directory.AgentConfig, client *llm.Client) (map[string]any, error)

// SupportedArity is the only handler shape the dispatch protocol knows:
// (payload, config snapshot, llm client).
const SupportedArity = 3

// BatchIndexKey carries an agent's position during batch triggering.
// It is dispatch metadata, not user payload.
const BatchIndexKey = "batch_index"

// Ref is a parsed ability reference.
type Ref struct {
	Namespace string
	Handler   string
	Arity     int
}

func (r Ref) String() string {
	return fmt.Sprintf("%s.%s/%d", r.Namespace, r.Handler, r.Arity)
}

// ParseRef parses "Namespace.Handler/arity".
func ParseRef(s string) (Ref, error) {
	slash := strings.LastIndex(s, "/")
	if slash < 0 {
		return Ref{}, &DispatchError{Ref: s, Reason: "missing arity"}
	}
	arity, err := strconv.Atoi(s[slash+1:])
	if err != nil || arity < 0 {
		return Ref{}, &DispatchError{Ref: s, Reason: "invalid arity"}
	}

	name := s[:slash]
	dot := strings.Index(name, ".")
	if dot <= 0 || dot == len(name)-1 {
		return Ref{}, &DispatchError{Ref: s, Reason: "expected Namespace.Handler"}
	}

	return Ref{
		Namespace: name[:dot],
		Handler:   name[dot+1:],
		Arity:     arity,
	}, nil
}

// Registry is the closed set of registered handlers plus the approved
// namespace allow-list. Nothing outside it ever executes.
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]struct{}
	handlers   map[string]Handler
}

func NewRegistry(allowedNamespaces []string) *Registry {
	r := &Registry{
		namespaces: make(map[string]struct{}, len(allowedNamespaces)),
		handlers:   make(map[string]Handler),
	}
	for _, ns := range allowedNamespaces {
		r.namespaces[ns] = struct{}{}
	}
	return r
}

// Register binds a handler under "Namespace.Handler".
func (r *Registry) Register(name string, h Handler) error {
	dot := strings.Index(name, ".")
	if dot <= 0 || dot == len(name)-1 {
		return fmt.Errorf("register %s: expected Namespace.Handler", name)
	}
	if h == nil {
		return fmt.Errorf("register %s: nil handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	return nil
}

// Resolve validates a reference and returns its handler. Any failure is
// a DispatchError; the handler is never invoked on a failed resolve.
func (r *Registry) Resolve(ref string) (Handler, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	if parsed.Arity != SupportedArity {
		return nil, &DispatchError{Ref: ref, Reason: fmt.Sprintf("unsupported arity %d, only %d is supported", parsed.Arity, SupportedArity)}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.namespaces[parsed.Namespace]; !ok {
		return nil, &DispatchError{Ref: ref, Reason: fmt.Sprintf("namespace %s is not approved", parsed.Namespace)}
	}

	h, ok := r.handlers[parsed.Namespace+"."+parsed.Handler]
	if !ok {
		return nil, &DispatchError{Ref: ref, Reason: "no such ability"}
	}
	return h, nil
}

package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mtzanidakis/fleetd/internal/ability"
	"github.com/mtzanidakis/fleetd/internal/directory"
	"github.com/mtzanidakis/fleetd/internal/llm"
)

// Handle is the supervisor's grip on one actor incarnation. The UID
// distinguishes incarnations of the same agent, so a down signal from a
// replaced actor can be recognized as stale.
type Handle struct {
	AgentID string
	UID     uuid.UUID

	actor *Actor
}

// Done closes when the incarnation has exited.
func (h *Handle) Done() <-chan struct{} { return h.actor.Done() }

// Reason is the exit reason; empty for a clean stop.
func (h *Handle) Reason() string { return h.actor.Reason() }

// State returns the actor's lifecycle state.
func (h *Handle) State() State { return h.actor.State() }

// Config returns the incarnation's config snapshot.
func (h *Handle) Config() *directory.AgentConfig { return h.actor.cfg }

// Trigger forwards to the actor's mailbox.
func (h *Handle) Trigger(ctx context.Context, key string, payload map[string]any) ([]map[string]any, error) {
	return h.actor.Trigger(ctx, key, payload)
}

// Stop requests a clean shutdown. Idempotent.
func (h *Handle) Stop() { h.actor.stop() }

// Kill force-stops the actor with a crash reason. The supervisor
// treats the exit as abnormal.
func (h *Handle) Kill(reason string) { h.actor.kill(reason) }

// Registry tracks at most one live actor per agent id and spawns new
// incarnations. The fleet manager is the only writer; lookups are safe
// from any goroutine.
type Registry struct {
	abilities *ability.Registry
	creds     llm.Credentials
	sink      ErrorSink

	mu      sync.RWMutex
	handles map[string]*Handle
}

func NewRegistry(abilities *ability.Registry, creds llm.Credentials, sink ErrorSink) *Registry {
	return &Registry{
		abilities: abilities,
		creds:     creds,
		sink:      sink,
		handles:   make(map[string]*Handle),
	}
}

// Spawn starts a fresh incarnation for the config. If a live handle
// already exists for the agent id it is returned unchanged; callers
// that want a replacement must Terminate first.
func (r *Registry) Spawn(cfg *directory.AgentConfig) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.handles[cfg.ID]; ok {
		select {
		case <-existing.Done():
			// Dead incarnation, replace below.
		default:
			return existing, nil
		}
	}

	a, err := newActor(cfg, r.abilities, r.creds, r.sink)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", cfg.Name, err)
	}

	h := &Handle{AgentID: cfg.ID, UID: uuid.New(), actor: a}
	r.handles[cfg.ID] = h
	go a.run()
	return h, nil
}

// Get returns the live handle for an agent id, if any.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Terminate stops an incarnation and untracks it. Idempotent, and a
// no-op for the tracking map when the handle is stale (a newer
// incarnation owns the agent id).
func (r *Registry) Terminate(h *Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	if cur, ok := r.handles[h.AgentID]; ok && cur.UID == h.UID {
		delete(r.handles, h.AgentID)
	}
	r.mu.Unlock()

	h.Stop()
}

// Tracks reports whether the handle is the registry's current
// incarnation for its agent id.
func (r *Registry) Tracks(h *Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.handles[h.AgentID]
	return ok && cur.UID == h.UID
}

// List snapshots all tracked handles.
func (r *Registry) List() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// Len returns the number of tracked handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

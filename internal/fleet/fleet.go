// Package fleet reconciles the running actor set against directory
// state. A single sequential loop consumes directory change events and
// actor down signals, so per-agent ordering is preserved without locks.
package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/fleetd/internal/actor"
	"github.com/mtzanidakis/fleetd/internal/directory"
	"github.com/mtzanidakis/fleetd/internal/natsbus"
)

// Directory is the slice of the agent directory the manager needs.
type Directory interface {
	Get(id string) (*directory.AgentConfig, error)
	ListActive() ([]directory.AgentConfig, error)
	ChangeStatus(id string, status directory.Status) error
	SetLastError(id, text string) error
}

type downSignal struct {
	handle *actor.Handle
	reason string
}

// Manager owns the tracked-actor set. All mutations happen on its own
// loop goroutine; Spawn and stop are fire-and-forget from its point of
// view, reconciliation relies on asynchronous down signals.
type Manager struct {
	dir      Directory
	registry *actor.Registry
	flap     FlapPolicy
	events   <-chan directory.Event
	downCh   chan downSignal
	bus      *natsbus.Client
}

func New(dir Directory, registry *actor.Registry, events <-chan directory.Event, flap FlapPolicy) *Manager {
	if flap == nil {
		flap = alwaysHealthy{}
	}
	return &Manager{
		dir:      dir,
		registry: registry,
		flap:     flap,
		events:   events,
		downCh:   make(chan downSignal, 64),
	}
}

// SetBus attaches a NATS client for lifecycle event publication.
// Optional.
func (m *Manager) SetBus(c *natsbus.Client) {
	m.bus = c
}

// Sync spawns an actor for every active agent that is not yet tracked.
// Called once before Run to reconcile with pre-existing directory state.
func (m *Manager) Sync() error {
	agents, err := m.dir.ListActive()
	if err != nil {
		return err
	}
	for i := range agents {
		cfg := &agents[i]
		if _, ok := m.registry.Get(cfg.ID); ok {
			continue
		}
		m.spawn(cfg, "spawned")
	}
	return nil
}

// Run processes events until the context is cancelled, then drains the
// fleet.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.drain()
			return
		case evt := <-m.events:
			m.handleEvent(evt)
		case d := <-m.downCh:
			m.handleDown(d)
		}
	}
}

func (m *Manager) handleEvent(evt directory.Event) {
	if evt.Agent == nil {
		return
	}
	cfg := evt.Agent
	_, tracked := m.registry.Get(cfg.ID)

	switch evt.Type {
	case directory.EventCreated:
		if cfg.Status == directory.StatusActive && !tracked {
			m.spawn(cfg, "spawned")
		}
	case directory.EventUpdated:
		switch {
		case cfg.Status == directory.StatusActive && tracked:
			// Stop-then-respawn so the actor picks up the new config.
			m.stop(cfg.ID)
			m.spawn(cfg, "respawned")
		case cfg.Status == directory.StatusActive && !tracked:
			m.spawn(cfg, "spawned")
		case cfg.Status != directory.StatusActive && tracked:
			m.stop(cfg.ID)
			m.publish(cfg.ID, "stopped", "")
		}
	case directory.EventDeleted:
		if tracked {
			m.stop(cfg.ID)
			m.publish(cfg.ID, "stopped", "")
		}
	}
}

func (m *Manager) handleDown(d downSignal) {
	h := d.handle
	if !m.registry.Tracks(h) {
		// Stale signal from a replaced or already-untracked incarnation.
		return
	}
	slog.Warn("actor down", "agent", h.AgentID, "reason", d.reason)

	if m.flap.Crashed(h.AgentID, time.Now()) {
		m.registry.Terminate(h)
		if err := m.dir.ChangeStatus(h.AgentID, directory.StatusDisabledFlapping); err != nil {
			slog.Error("disable flapping agent failed", "agent", h.AgentID, "error", err)
		}
		m.publish(h.AgentID, "disabled", d.reason)
		return
	}

	cfg, err := m.dir.Get(h.AgentID)
	if err != nil {
		slog.Error("lookup after crash failed", "agent", h.AgentID, "error", err)
		m.registry.Terminate(h)
		return
	}

	m.registry.Terminate(h)
	if cfg != nil && cfg.Status == directory.StatusActive {
		m.spawn(cfg, "respawned")
	}
}

// spawn starts a fresh incarnation and monitors it. Spawn failures mark
// the agent errored instead of crashing the loop.
func (m *Manager) spawn(cfg *directory.AgentConfig, event string) {
	h, err := m.registry.Spawn(cfg)
	if err != nil {
		slog.Error("spawn failed", "agent", cfg.ID, "name", cfg.Name, "error", err)
		if serr := m.dir.SetLastError(cfg.ID, err.Error()); serr != nil {
			slog.Warn("persist spawn error failed", "agent", cfg.ID, "error", serr)
		}
		if serr := m.dir.ChangeStatus(cfg.ID, directory.StatusError); serr != nil {
			slog.Warn("mark agent errored failed", "agent", cfg.ID, "error", serr)
		}
		return
	}

	go m.monitor(h)
	m.publish(cfg.ID, event, "")
}

// monitor forwards the incarnation's exit to the manager loop. Clean
// stops initiated by the manager untrack first, so their signals arrive
// stale and are ignored.
func (m *Manager) monitor(h *actor.Handle) {
	<-h.Done()
	m.downCh <- downSignal{handle: h, reason: h.Reason()}
}

func (m *Manager) stop(id string) {
	if h, ok := m.registry.Get(id); ok {
		m.registry.Terminate(h)
	}
}

func (m *Manager) drain() {
	handles := m.registry.List()
	for _, h := range handles {
		m.registry.Terminate(h)
	}
	deadline := time.After(5 * time.Second)
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-deadline:
			slog.Warn("fleet drain timed out", "agent", h.AgentID)
			return
		}
	}
}

func (m *Manager) publish(agentID, event, reason string) {
	if m.bus == nil {
		return
	}
	evt := map[string]any{
		"event":     event,
		"agent_id":  agentID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if reason != "" {
		evt["reason"] = reason
	}
	if err := m.bus.PublishJSON(natsbus.TopicFleetAgent(agentID), evt); err != nil {
		slog.Warn("publish fleet event failed", "agent", agentID, "error", err)
	}
}

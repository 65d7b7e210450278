// Package directory is the system of record for agent configurations.
// It owns AgentConfig rows in sqlite, enforces name uniqueness and feeds
// change events to the fleet manager through a single watch channel.
package directory

import (
	"log/slog"
	"time"

	"github.com/mtzanidakis/fleetd/internal/natsbus"
)

type Status string

const (
	StatusActive           Status = "active"
	StatusInactive         Status = "inactive"
	StatusError            Status = "error"
	StatusDisabledFlapping Status = "disabled_flapping"
)

// RetryPolicy controls ability retry behavior for an agent.
// Type is "fixed" or "exponential".
type RetryPolicy struct {
	Type        string `json:"type"`
	MaxRetries  int    `json:"max_retries"`
	DelayMs     int64  `json:"delay_ms,omitempty"`
	BaseDelayMs int64  `json:"base_delay_ms,omitempty"`
	MaxDelayMs  int64  `json:"max_delay_ms,omitempty"`
}

// Delay returns the sleep before retry number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Type == "exponential" {
		d := p.BaseDelayMs
		for i := 0; i < attempt && d < p.MaxDelayMs; i++ {
			d *= 2
		}
		if p.MaxDelayMs > 0 && d > p.MaxDelayMs {
			d = p.MaxDelayMs
		}
		return time.Duration(d) * time.Millisecond
	}
	return time.Duration(p.DelayMs) * time.Millisecond
}

// AgentConfig is one agent's full configuration. Actors hold an immutable
// snapshot per incarnation; the directory row is the live copy.
type AgentConfig struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Status           Status            `json:"status"`
	LLMConfig        map[string]string `json:"llm_config,omitempty"`
	Prompts          map[string]string `json:"prompts,omitempty"`
	Abilities        []string          `json:"abilities,omitempty"`
	Responsibilities []string          `json:"responsibilities,omitempty"`
	RetryPolicy      RetryPolicy       `json:"retry_policy"`
	LastError        string            `json:"last_error,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Clone returns a deep copy suitable for handing to an actor.
func (c *AgentConfig) Clone() *AgentConfig {
	out := *c
	if c.LLMConfig != nil {
		out.LLMConfig = make(map[string]string, len(c.LLMConfig))
		for k, v := range c.LLMConfig {
			out.LLMConfig[k] = v
		}
	}
	if c.Prompts != nil {
		out.Prompts = make(map[string]string, len(c.Prompts))
		for k, v := range c.Prompts {
			out.Prompts[k] = v
		}
	}
	out.Abilities = append([]string(nil), c.Abilities...)
	out.Responsibilities = append([]string(nil), c.Responsibilities...)
	return &out
}

type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is a change notification delivered to the fleet manager.
type Event struct {
	Type  EventType
	Agent *AgentConfig
}

// Watch returns the change event channel. The directory has a single
// consumer (the fleet manager); the channel is created on first call.
func (d *Directory) Watch() <-chan Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.events == nil {
		d.events = make(chan Event, 256)
	}
	return d.events
}

// SetBus attaches a NATS client for publishing change events to
// external subscribers. Optional.
func (d *Directory) SetBus(client *natsbus.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bus = client
}

func (d *Directory) emit(typ EventType, cfg *AgentConfig) {
	d.mu.Lock()
	events := d.events
	bus := d.bus
	d.mu.Unlock()

	if events != nil {
		select {
		case events <- Event{Type: typ, Agent: cfg.Clone()}:
		default:
			slog.Warn("directory event dropped, watch queue full", "agent", cfg.ID, "type", typ)
		}
	}

	if bus != nil {
		evt := map[string]any{
			"type":      string(typ),
			"agent_id":  cfg.ID,
			"name":      cfg.Name,
			"status":    string(cfg.Status),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
		if err := bus.PublishJSON(natsbus.TopicDirectoryAgent(cfg.ID), evt); err != nil {
			slog.Warn("publish directory event failed", "agent", cfg.ID, "error", err)
		}
	}
}

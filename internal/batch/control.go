package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/fleetd/internal/directory"
	"github.com/mtzanidakis/fleetd/internal/natsbus"
)

// Controller exposes batch operations over the NATS request/reply
// control topics.
type Controller struct {
	orch    *Orchestrator
	client  *natsbus.Client
	timeout time.Duration
	subs    []*nats.Subscription
}

func NewController(orch *Orchestrator, client *natsbus.Client) *Controller {
	return &Controller{orch: orch, client: client, timeout: time.Minute}
}

// Start subscribes the control topics. Each request is handled on the
// NATS delivery goroutine; batch calls are already per-item tolerant.
func (c *Controller) Start() error {
	topics := map[string]func(msg *nats.Msg){
		natsbus.TopicBatchCreate:     c.handleCreate,
		natsbus.TopicBatchActivate:   c.handleActivate,
		natsbus.TopicBatchDeactivate: c.handleDeactivate,
		natsbus.TopicBatchDelete:     c.handleDelete,
		natsbus.TopicBatchTrigger:    c.handleTrigger,
	}
	for topic, handler := range topics {
		sub, err := c.client.Subscribe(topic, handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		c.subs = append(c.subs, sub)
	}
	return c.client.Flush()
}

// Stop unsubscribes all control topics.
func (c *Controller) Stop() {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("unsubscribe failed", "error", err)
		}
	}
	c.subs = nil
}

func (c *Controller) respond(msg *nats.Msg, data any) {
	resp, err := json.Marshal(data)
	if err != nil {
		slog.Error("marshal control response failed", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		slog.Error("respond to control request failed", "error", err)
	}
}

func (c *Controller) handleCreate(msg *nats.Msg) {
	var req struct {
		Template *directory.AgentConfig `json:"template"`
		Count    int                    `json:"count"`
		BatchID  string                 `json:"batch_id"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.respond(msg, map[string]any{"error": "invalid request"})
		return
	}

	res, err := c.orch.CreateBatch(req.Template, req.Count, req.BatchID)
	if err != nil {
		c.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	c.respond(msg, res)
}

func (c *Controller) handleActivate(msg *nats.Msg) {
	ids, ok := c.decodeIDs(msg)
	if !ok {
		return
	}
	c.respond(msg, c.orch.ActivateBatch(ids))
}

func (c *Controller) handleDeactivate(msg *nats.Msg) {
	ids, ok := c.decodeIDs(msg)
	if !ok {
		return
	}
	c.respond(msg, c.orch.DeactivateBatch(ids))
}

func (c *Controller) handleDelete(msg *nats.Msg) {
	ids, ok := c.decodeIDs(msg)
	if !ok {
		return
	}
	c.respond(msg, c.orch.DeleteBatch(ids))
}

func (c *Controller) handleTrigger(msg *nats.Msg) {
	var req struct {
		IDs     []string       `json:"ids"`
		Key     string         `json:"key"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.respond(msg, map[string]any{"error": "invalid request"})
		return
	}
	if req.Key == "" {
		c.respond(msg, map[string]any{"error": "key is required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	res, err := c.orch.TriggerBatch(ctx, req.IDs, req.Key, req.Payload)
	if err != nil {
		c.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	c.respond(msg, res)
}

func (c *Controller) decodeIDs(msg *nats.Msg) ([]string, bool) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.respond(msg, map[string]any{"error": "invalid request"})
		return nil, false
	}
	if len(req.IDs) == 0 {
		c.respond(msg, map[string]any{"error": "ids are required"})
		return nil, false
	}
	return req.IDs, true
}

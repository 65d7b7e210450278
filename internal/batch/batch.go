// Package batch creates and drives cohorts of agents that share a
// config template. Bulk operations degrade per item; one failing agent
// never aborts the rest of the batch.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/fleetd/internal/ability"
	"github.com/mtzanidakis/fleetd/internal/actor"
	"github.com/mtzanidakis/fleetd/internal/config"
	"github.com/mtzanidakis/fleetd/internal/directory"
	"github.com/mtzanidakis/fleetd/internal/natsbus"
	"github.com/mtzanidakis/fleetd/internal/ratelimit"
)

// Directory is the slice of the agent directory batch operations use.
type Directory interface {
	Create(cfg *directory.AgentConfig) (string, error)
	ChangeStatus(id string, status directory.Status) error
	Delete(id string) error
}

// ItemError reports one failed item of a partially successful call.
type ItemError struct {
	Name  string `json:"name,omitempty"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error"`
}

// CreateResult lists the agents a CreateBatch call managed to create.
// Creation is not atomic; Failures accompany any ids that succeeded.
type CreateResult struct {
	BatchID  string      `json:"batch_id"`
	AgentIDs []string    `json:"agent_ids"`
	Failures []ItemError `json:"failures,omitempty"`
}

// BulkResult counts per-item outcomes of a bulk status/delete call.
type BulkResult struct {
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Failures   []ItemError `json:"failures,omitempty"`
}

// AgentResult is one agent's outcome in a batch trigger.
type AgentResult struct {
	AgentID     string           `json:"agent_id"`
	Payloads    []map[string]any `json:"payloads,omitempty"`
	Error       string           `json:"error,omitempty"`
	RateLimited bool             `json:"rate_limited,omitempty"`
}

// TriggerResult tallies a batch trigger. Rate-limited agents are a
// distinct outcome, not folded into Failed.
type TriggerResult struct {
	Successful  int           `json:"successful"`
	Failed      int           `json:"failed"`
	RateLimited int           `json:"rate_limited"`
	Results     []AgentResult `json:"results"`
}

// Orchestrator performs bulk lifecycle and trigger operations against
// the directory and the running actor set.
type Orchestrator struct {
	dir     Directory
	actors  *actor.Registry
	limiter *ratelimit.Limiter
	maxWait time.Duration
	backoff float64
	bus     *natsbus.Client
}

func New(dir Directory, actors *actor.Registry, limiter *ratelimit.Limiter, cfg config.BatchConfig) *Orchestrator {
	return &Orchestrator{
		dir:     dir,
		actors:  actors,
		limiter: limiter,
		maxWait: cfg.MaxWait,
		backoff: cfg.BackoffFactor,
	}
}

// SetBus attaches a NATS client for batch event publication. Optional.
func (o *Orchestrator) SetBus(c *natsbus.Client) {
	o.bus = c
}

// CreateBatch clones the template count times into inactive agents
// named "<template>-<batchID>-<i>". Creation proceeds through
// individual failures and reports them alongside the created ids.
func (o *Orchestrator) CreateBatch(template *directory.AgentConfig, count int, batchID string) (*CreateResult, error) {
	if template == nil || template.Name == "" {
		return nil, errors.New("batch template needs a name")
	}
	if count <= 0 {
		return nil, fmt.Errorf("batch count must be positive, got %d", count)
	}
	if batchID == "" {
		batchID = uuid.NewString()[:8]
	}

	res := &CreateResult{BatchID: batchID}
	for i := 0; i < count; i++ {
		cfg := template.Clone()
		cfg.ID = ""
		cfg.Name = fmt.Sprintf("%s-%s-%d", template.Name, batchID, i)
		cfg.Status = directory.StatusInactive

		id, err := o.dir.Create(cfg)
		if err != nil {
			res.Failures = append(res.Failures, ItemError{Name: cfg.Name, Error: err.Error()})
			continue
		}
		res.AgentIDs = append(res.AgentIDs, id)
	}

	slog.Info("batch created", "batch", batchID, "requested", count, "created", len(res.AgentIDs), "failed", len(res.Failures))
	o.publish(batchID, "created", map[string]any{"agent_ids": res.AgentIDs, "failed": len(res.Failures)})
	return res, nil
}

// ActivateBatch flips the given agents to active.
func (o *Orchestrator) ActivateBatch(ids []string) BulkResult {
	return o.bulkStatus(ids, directory.StatusActive)
}

// DeactivateBatch flips the given agents to inactive.
func (o *Orchestrator) DeactivateBatch(ids []string) BulkResult {
	return o.bulkStatus(ids, directory.StatusInactive)
}

func (o *Orchestrator) bulkStatus(ids []string, status directory.Status) BulkResult {
	var res BulkResult
	for _, id := range ids {
		if err := o.dir.ChangeStatus(id, status); err != nil {
			res.Failed++
			res.Failures = append(res.Failures, ItemError{ID: id, Error: err.Error()})
			continue
		}
		res.Successful++
	}
	return res
}

// DeleteBatch removes the given agents from the directory.
func (o *Orchestrator) DeleteBatch(ids []string) BulkResult {
	var res BulkResult
	for _, id := range ids {
		if err := o.dir.Delete(id); err != nil {
			res.Failed++
			res.Failures = append(res.Failures, ItemError{ID: id, Error: err.Error()})
			continue
		}
		res.Successful++
	}
	return res
}

// TriggerBatch triggers key on every agent in order, injecting each
// agent's position into the payload. With rate limiting enabled, each
// dispatch first obtains admission for the agent's bucket; exceeding
// the wait budget counts the agent as rate-limited and moves on.
func (o *Orchestrator) TriggerBatch(ctx context.Context, ids []string, key string, payload map[string]any) (*TriggerResult, error) {
	res := &TriggerResult{}

	for i, id := range ids {
		ar := AgentResult{AgentID: id}

		handle, ok := o.actors.Get(id)
		if !ok {
			ar.Error = "agent is not running"
			res.Failed++
			res.Results = append(res.Results, ar)
			continue
		}

		p := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			p[k] = v
		}
		p[ability.BatchIndexKey] = i

		if o.limiter != nil && o.limiter.Enabled() {
			bucket := o.limiter.Resolve(handle.Config())
			if err := o.limiter.Wait(ctx, bucket, 1, o.maxWait, o.backoff); err != nil {
				if errors.Is(err, ratelimit.ErrMaxWait) {
					ar.RateLimited = true
					res.RateLimited++
					res.Results = append(res.Results, ar)
					continue
				}
				// Context cancellation aborts the remainder.
				res.Results = append(res.Results, ar)
				return res, err
			}
		}

		payloads, err := handle.Trigger(ctx, key, p)
		if err != nil {
			ar.Error = err.Error()
			res.Failed++
		} else {
			ar.Payloads = payloads
			res.Successful++
		}
		res.Results = append(res.Results, ar)
	}

	return res, nil
}

func (o *Orchestrator) publish(batchID, event string, extra map[string]any) {
	if o.bus == nil {
		return
	}
	evt := map[string]any{
		"event":     event,
		"batch_id":  batchID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		evt[k] = v
	}
	if err := o.bus.PublishJSON(natsbus.TopicBatchEvents(batchID), evt); err != nil {
		slog.Warn("publish batch event failed", "batch", batchID, "error", err)
	}
}

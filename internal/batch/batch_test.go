package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/fleetd/internal/ability"
	"github.com/mtzanidakis/fleetd/internal/actor"
	"github.com/mtzanidakis/fleetd/internal/config"
	"github.com/mtzanidakis/fleetd/internal/directory"
	"github.com/mtzanidakis/fleetd/internal/fleet"
	"github.com/mtzanidakis/fleetd/internal/llm"
	"github.com/mtzanidakis/fleetd/internal/ratelimit"
)

type system struct {
	dir  *directory.Directory
	reg  *actor.Registry
	orch *Orchestrator
}

func newSystem(t *testing.T, rl config.RateLimitConfig, extra map[string]ability.Handler) *system {
	t.Helper()

	dir, err := directory.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "batch.db")})
	if err != nil {
		t.Fatalf("open directory: %v", err)
	}
	t.Cleanup(func() { dir.Close() })
	events := dir.Watch()

	abilities := ability.NewRegistry([]string{"core"})
	if err := ability.RegisterBuiltins(abilities); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	for name, h := range extra {
		if err := abilities.Register(name, h); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	reg := actor.NewRegistry(abilities, nil, dir)
	mgr := fleet.New(dir, reg, events, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	orch := New(dir, reg, ratelimit.New(rl), config.BatchConfig{
		MaxWait:       50 * time.Millisecond,
		BackoffFactor: 1.5,
	})
	return &system{dir: dir, reg: reg, orch: orch}
}

func (s *system) waitTracked(t *testing.T, ids []string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tracked := 0
		for _, id := range ids {
			if _, ok := s.reg.Get(id); ok {
				tracked++
			}
		}
		if tracked == len(ids) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("not all of %d agents came up", len(ids))
}

func echoTemplate() *directory.AgentConfig {
	return &directory.AgentConfig{
		Name:             "worker",
		Abilities:        []string{"core.Echo/3"},
		Responsibilities: []string{"echo"},
	}
}

func TestCreateBatchNamesAndStatus(t *testing.T) {
	s := newSystem(t, config.RateLimitConfig{}, nil)

	res, err := s.orch.CreateBatch(echoTemplate(), 5, "b1")
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if res.BatchID != "b1" {
		t.Errorf("expected batch id b1, got %s", res.BatchID)
	}
	if len(res.AgentIDs) != 5 || len(res.Failures) != 0 {
		t.Fatalf("expected 5 created and 0 failed, got %d/%d", len(res.AgentIDs), len(res.Failures))
	}

	for i, id := range res.AgentIDs {
		cfg, err := s.dir.Get(id)
		if err != nil || cfg == nil {
			t.Fatalf("get %s: %v", id, err)
		}
		want := fmt.Sprintf("worker-b1-%d", i)
		if cfg.Name != want {
			t.Errorf("agent %d: expected name %s, got %s", i, want, cfg.Name)
		}
		if cfg.Status != directory.StatusInactive {
			t.Errorf("agent %d: expected inactive, got %s", i, cfg.Status)
		}
	}
}

func TestCreateBatchValidation(t *testing.T) {
	s := newSystem(t, config.RateLimitConfig{}, nil)

	if _, err := s.orch.CreateBatch(nil, 3, "b1"); err == nil {
		t.Error("expected error for nil template")
	}
	if _, err := s.orch.CreateBatch(echoTemplate(), 0, "b1"); err == nil {
		t.Error("expected error for zero count")
	}
}

func TestCreateBatchPartialFailure(t *testing.T) {
	s := newSystem(t, config.RateLimitConfig{}, nil)

	// Occupy one of the derived names so a single creation collides.
	if _, err := s.dir.Create(&directory.AgentConfig{Name: "worker-b2-2"}); err != nil {
		t.Fatalf("seed conflicting agent: %v", err)
	}

	res, err := s.orch.CreateBatch(echoTemplate(), 5, "b2")
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if len(res.AgentIDs) != 4 {
		t.Errorf("expected 4 created, got %d", len(res.AgentIDs))
	}
	if len(res.Failures) != 1 || res.Failures[0].Name != "worker-b2-2" {
		t.Errorf("expected one failure for worker-b2-2, got %+v", res.Failures)
	}
}

func TestCreateActivateTriggerEcho(t *testing.T) {
	s := newSystem(t, config.RateLimitConfig{}, nil)

	res, err := s.orch.CreateBatch(echoTemplate(), 5, "b1")
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	act := s.orch.ActivateBatch(res.AgentIDs)
	if act.Successful != 5 || act.Failed != 0 {
		t.Fatalf("expected 5/0 activation, got %d/%d", act.Successful, act.Failed)
	}
	s.waitTracked(t, res.AgentIDs)

	trig, err := s.orch.TriggerBatch(context.Background(), res.AgentIDs, "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("trigger batch: %v", err)
	}
	if trig.Successful != 5 || trig.Failed != 0 || trig.RateLimited != 0 {
		t.Fatalf("expected 5/0/0, got %d/%d/%d", trig.Successful, trig.Failed, trig.RateLimited)
	}

	for _, ar := range trig.Results {
		if len(ar.Payloads) != 1 {
			t.Fatalf("agent %s: expected one result payload, got %d", ar.AgentID, len(ar.Payloads))
		}
		payload := ar.Payloads[0]

		echoed, ok := payload["echo"].(map[string]any)
		if !ok || len(echoed) != 1 || echoed["msg"] != "hi" {
			t.Errorf("agent %s: unexpected echo %v", ar.AgentID, payload["echo"])
		}
		cfg, _ := s.dir.Get(ar.AgentID)
		if payload["agent_name"] != cfg.Name || payload["agent_id"] != cfg.ID {
			t.Errorf("agent %s: identity mismatch in %v", ar.AgentID, payload)
		}
	}
}

func TestTriggerBatchTally(t *testing.T) {
	s := newSystem(t, config.RateLimitConfig{}, nil)

	var ids []string
	for i := 0; i < 10; i++ {
		cfg := &directory.AgentConfig{
			Name:             fmt.Sprintf("tally-%d", i),
			Abilities:        []string{"core.Echo/3"},
			Responsibilities: []string{"run"},
		}
		// Three agents reference an ability that does not exist.
		if i < 3 {
			cfg.Abilities = []string{"core.Missing/3"}
		}
		id, err := s.dir.Create(cfg)
		if err != nil {
			t.Fatalf("create agent %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	act := s.orch.ActivateBatch(ids)
	if act.Successful != 10 {
		t.Fatalf("expected 10 activations, got %d", act.Successful)
	}
	s.waitTracked(t, ids)

	trig, err := s.orch.TriggerBatch(context.Background(), ids, "run", nil)
	if err != nil {
		t.Fatalf("trigger batch: %v", err)
	}
	if trig.Successful != 7 || trig.Failed != 3 || trig.RateLimited != 0 {
		t.Errorf("expected 7/3/0, got %d/%d/%d", trig.Successful, trig.Failed, trig.RateLimited)
	}
}

func TestTriggerBatchInjectsPosition(t *testing.T) {
	indexes := make(chan int, 8)
	s := newSystem(t, config.RateLimitConfig{}, map[string]ability.Handler{
		"core.Index": func(ctx context.Context, payload map[string]any, cfg *directory.AgentConfig, client *llm.Client) (map[string]any, error) {
			if idx, ok := payload[ability.BatchIndexKey].(int); ok {
				indexes <- idx
			}
			return map[string]any{}, nil
		},
	})

	template := &directory.AgentConfig{
		Name:             "pos",
		Abilities:        []string{"core.Index/3"},
		Responsibilities: []string{"run"},
	}
	res, err := s.orch.CreateBatch(template, 3, "bp")
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	s.orch.ActivateBatch(res.AgentIDs)
	s.waitTracked(t, res.AgentIDs)

	if _, err := s.orch.TriggerBatch(context.Background(), res.AgentIDs, "run", nil); err != nil {
		t.Fatalf("trigger batch: %v", err)
	}

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		seen[<-indexes] = true
	}
	for i := 0; i < 3; i++ {
		if !seen[i] {
			t.Errorf("position %d never injected", i)
		}
	}
}

func TestTriggerBatchRateLimited(t *testing.T) {
	rl := config.RateLimitConfig{
		Enabled: true,
		Buckets: []config.BucketConfig{
			{Name: "default", Window: time.Minute, MaxRequests: 2},
		},
	}
	s := newSystem(t, rl, nil)

	res, err := s.orch.CreateBatch(echoTemplate(), 4, "b1")
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	s.orch.ActivateBatch(res.AgentIDs)
	s.waitTracked(t, res.AgentIDs)

	trig, err := s.orch.TriggerBatch(context.Background(), res.AgentIDs, "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("trigger batch: %v", err)
	}
	if trig.Successful != 2 || trig.RateLimited != 2 || trig.Failed != 0 {
		t.Errorf("expected 2/0/2, got %d/%d/%d", trig.Successful, trig.Failed, trig.RateLimited)
	}
}

func TestTriggerBatchAgentNotRunning(t *testing.T) {
	s := newSystem(t, config.RateLimitConfig{}, nil)

	trig, err := s.orch.TriggerBatch(context.Background(), []string{"ghost"}, "echo", nil)
	if err != nil {
		t.Fatalf("trigger batch: %v", err)
	}
	if trig.Failed != 1 || trig.Successful != 0 {
		t.Errorf("expected one failure, got %+v", trig)
	}
}

func TestDeactivateAndDeleteBatch(t *testing.T) {
	s := newSystem(t, config.RateLimitConfig{}, nil)

	res, err := s.orch.CreateBatch(echoTemplate(), 3, "b1")
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	s.orch.ActivateBatch(res.AgentIDs)
	s.waitTracked(t, res.AgentIDs)

	deact := s.orch.DeactivateBatch(res.AgentIDs)
	if deact.Successful != 3 {
		t.Fatalf("expected 3 deactivations, got %d", deact.Successful)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && s.reg.Len() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if s.reg.Len() != 0 {
		t.Errorf("expected all actors stopped, %d still tracked", s.reg.Len())
	}

	del := s.orch.DeleteBatch(res.AgentIDs)
	if del.Successful != 3 {
		t.Fatalf("expected 3 deletions, got %d", del.Successful)
	}
	for _, id := range res.AgentIDs {
		if cfg, _ := s.dir.Get(id); cfg != nil {
			t.Errorf("agent %s still present after delete", id)
		}
	}
}

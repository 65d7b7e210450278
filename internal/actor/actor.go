// Package actor runs one isolated goroutine per agent. Each actor owns
// an immutable config snapshot, a private mailbox and its own interval
// timers; errors inside ability execution never escape the actor.
package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/fleetd/internal/ability"
	"github.com/mtzanidakis/fleetd/internal/directory"
	"github.com/mtzanidakis/fleetd/internal/llm"
)

// ErrStopped is returned by Trigger once the actor has shut down.
var ErrStopped = errors.New("actor stopped")

type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateExecuting    State = "executing"
	StateTerminating  State = "terminating"
)

// ErrorSink persists an agent's last terminal error. Writes are
// fire-and-forget from the actor's point of view.
type ErrorSink interface {
	SetLastError(id, text string) error
}

// responsibility is one parsed trigger spec. Entries of the form
// "cron:<seconds>" additionally carry a timer interval.
type responsibility struct {
	key      string
	value    string
	interval time.Duration
}

func parseResponsibility(spec string) (responsibility, error) {
	key, value, _ := strings.Cut(spec, ":")
	if key == "" {
		return responsibility{}, fmt.Errorf("empty responsibility key in %q", spec)
	}

	r := responsibility{key: key, value: value}
	if key == "cron" {
		secs, err := strconv.Atoi(value)
		if err != nil || secs <= 0 {
			return responsibility{}, fmt.Errorf("responsibility %q: interval must be a positive integer", spec)
		}
		r.interval = time.Duration(secs) * time.Second
	}
	return r, nil
}

type triggerReq struct {
	key     string
	payload map[string]any
	reply   chan triggerResp
}

type triggerResp struct {
	results []map[string]any
	err     error
}

// Actor is a single running agent incarnation.
type Actor struct {
	cfg              *directory.AgentConfig
	abilities        *ability.Registry
	client           *llm.Client
	sink             ErrorSink
	responsibilities []responsibility

	mailbox chan triggerReq
	fires   chan int
	stopCh  chan struct{}
	killCh  chan struct{}
	done    chan struct{}

	stopOnce sync.Once
	killOnce sync.Once

	mu     sync.Mutex
	state  State
	reason string
	timers []*time.Timer
}

// newActor validates the config and prepares the actor without starting
// it. Credential resolution and responsibility parsing failures surface
// here, before a goroutine exists.
func newActor(cfg *directory.AgentConfig, abilities *ability.Registry, creds llm.Credentials, sink ErrorSink) (*Actor, error) {
	a := &Actor{
		cfg:       cfg.Clone(),
		abilities: abilities,
		sink:      sink,
		mailbox:   make(chan triggerReq),
		stopCh:    make(chan struct{}),
		killCh:    make(chan struct{}),
		done:      make(chan struct{}),
		state:     StateInitializing,
	}

	for _, spec := range cfg.Responsibilities {
		r, err := parseResponsibility(spec)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", cfg.Name, err)
		}
		a.responsibilities = append(a.responsibilities, r)
	}
	a.fires = make(chan int, len(a.responsibilities)+1)

	if len(cfg.LLMConfig) > 0 {
		client, err := llm.NewClient(cfg.LLMConfig, creds)
		if err != nil {
			return nil, fmt.Errorf("agent %s: llm client: %w", cfg.Name, err)
		}
		a.client = client
	}

	return a, nil
}

// State returns the current lifecycle state.
func (a *Actor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Actor) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Reason reports why the actor went down. Empty for clean stops.
func (a *Actor) Reason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

func (a *Actor) setReason(r string) {
	a.mu.Lock()
	if a.reason == "" {
		a.reason = r
	}
	a.mu.Unlock()
}

// Done closes when the actor goroutine has fully exited.
func (a *Actor) Done() <-chan struct{} {
	return a.done
}

// stop requests a clean shutdown. Pending timers are cancelled; an
// in-flight invocation runs to completion first.
func (a *Actor) stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// kill force-stops the actor and records a crash reason, bypassing the
// clean shutdown path. The supervisor sees it as an abnormal exit.
func (a *Actor) kill(reason string) {
	a.setReason(reason)
	a.killOnce.Do(func() { close(a.killCh) })
}

// Trigger delivers (key, payload) to the actor's mailbox and waits for
// the run to finish. Every responsibility whose key matches runs the
// full ability list once; duplicate keys run it once per entry.
func (a *Actor) Trigger(ctx context.Context, key string, payload map[string]any) ([]map[string]any, error) {
	req := triggerReq{key: key, payload: payload, reply: make(chan triggerResp, 1)}

	select {
	case a.mailbox <- req:
	case <-a.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.results, resp.err
	case <-a.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Actor) run() {
	defer func() {
		if r := recover(); r != nil {
			a.setReason(fmt.Sprintf("panic: %v", r))
			slog.Error("actor panicked", "agent", a.cfg.ID, "name", a.cfg.Name, "panic", r)
		}
		a.cancelTimers()
		a.setState(StateStopped)
		close(a.done)
	}()

	a.armTimers()
	a.setState(StateReady)
	slog.Info("actor started", "agent", a.cfg.ID, "name", a.cfg.Name)

	for {
		select {
		case <-a.stopCh:
			a.setState(StateTerminating)
			slog.Info("actor stopping", "agent", a.cfg.ID, "name", a.cfg.Name)
			return
		case <-a.killCh:
			a.setState(StateTerminating)
			slog.Warn("actor killed", "agent", a.cfg.ID, "name", a.cfg.Name, "reason", a.Reason())
			return
		case req := <-a.mailbox:
			a.setState(StateExecuting)
			results, err := a.handleTrigger(req.key, req.payload)
			req.reply <- triggerResp{results: results, err: err}
			a.setState(StateReady)
		case idx := <-a.fires:
			a.setState(StateExecuting)
			a.handleTimer(idx)
			a.setState(StateReady)
		}
	}
}

// armTimers starts one recurring timer per cron responsibility. Timers
// are rearmed after each run completes, so a slow ability run shifts
// subsequent fires instead of stacking them.
func (a *Actor) armTimers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, r := range a.responsibilities {
		if r.interval <= 0 {
			continue
		}
		idx := i
		a.timers = append(a.timers, time.AfterFunc(r.interval, func() {
			select {
			case a.fires <- idx:
			case <-a.done:
			}
		}))
	}
}

func (a *Actor) rearm(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateTerminating || a.state == StateStopped {
		return
	}
	a.timers = append(a.timers, time.AfterFunc(a.responsibilities[idx].interval, func() {
		select {
		case a.fires <- idx:
		case <-a.done:
		}
	}))
}

func (a *Actor) cancelTimers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.timers {
		t.Stop()
	}
	a.timers = nil
}

func (a *Actor) handleTimer(idx int) {
	r := a.responsibilities[idx]
	payload := map[string]any{"value": r.value}

	if _, err := a.runAbilities(context.Background(), payload); err != nil {
		slog.Warn("scheduled run failed", "agent", a.cfg.ID, "name", a.cfg.Name, "error", err)
	}
	a.rearm(idx)
}

func (a *Actor) handleTrigger(key string, payload map[string]any) ([]map[string]any, error) {
	matched := false
	var results []map[string]any

	for _, r := range a.responsibilities {
		if r.key != key {
			continue
		}
		matched = true

		res, err := a.runAbilities(context.Background(), payload)
		results = append(results, res...)
		if err != nil {
			return results, err
		}
	}

	if !matched {
		return nil, fmt.Errorf("agent %s: no matching responsibility for %q", a.cfg.Name, key)
	}
	return results, nil
}

// runAbilities invokes the agent's ability list in order, stopping at
// the first terminal error. Terminal errors are persisted as the
// agent's last error without blocking the actor.
func (a *Actor) runAbilities(ctx context.Context, payload map[string]any) ([]map[string]any, error) {
	var results []map[string]any
	for _, ref := range a.cfg.Abilities {
		res, err := a.invoke(ctx, ref, payload)
		if err != nil {
			a.recordError(err)
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// invoke resolves an ability reference and runs it under the retry
// wrapper. Dispatch and validation failures are terminal immediately;
// anything else retries per the agent's policy. Panics inside a handler
// count as transient failures and never take the actor down.
func (a *Actor) invoke(ctx context.Context, ref string, payload map[string]any) (map[string]any, error) {
	h, err := a.abilities.Resolve(ref)
	if err != nil {
		return nil, err
	}

	policy := a.cfg.RetryPolicy
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.Delay(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		res, err := a.call(ctx, h, payload)
		if err == nil {
			return res, nil
		}
		if !ability.Retryable(err) {
			return nil, err
		}
		lastErr = err
		slog.Debug("ability attempt failed", "agent", a.cfg.ID, "ability", ref, "attempt", attempt, "error", err)
	}

	return nil, fmt.Errorf("ability %s exhausted %d attempts: %w", ref, policy.MaxRetries+1, lastErr)
}

func (a *Actor) call(ctx context.Context, h ability.Handler, payload map[string]any) (res map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ability panicked: %v", r)
		}
	}()
	return h(ctx, payload, a.cfg, a.client)
}

func (a *Actor) recordError(err error) {
	if a.sink == nil {
		return
	}
	id := a.cfg.ID
	go func() {
		if serr := a.sink.SetLastError(id, err.Error()); serr != nil {
			slog.Warn("persist last error failed", "agent", id, "error", serr)
		}
	}()
}

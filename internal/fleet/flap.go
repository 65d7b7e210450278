package fleet

import (
	"sync"
	"time"

	"github.com/mtzanidakis/fleetd/internal/config"
)

// FlapPolicy decides whether a crashing agent should be quarantined
// instead of respawned. Crashed is called once per abnormal exit.
type FlapPolicy interface {
	Crashed(agentID string, at time.Time) bool
}

// alwaysHealthy never quarantines; every crash leads to a respawn.
type alwaysHealthy struct{}

func (alwaysHealthy) Crashed(string, time.Time) bool { return false }

// ThresholdFlapPolicy quarantines an agent after maxCrashes abnormal
// exits inside a sliding window.
type ThresholdFlapPolicy struct {
	maxCrashes int
	window     time.Duration

	mu      sync.Mutex
	crashes map[string][]time.Time
}

func NewThresholdFlapPolicy(maxCrashes int, window time.Duration) *ThresholdFlapPolicy {
	return &ThresholdFlapPolicy{
		maxCrashes: maxCrashes,
		window:     window,
		crashes:    make(map[string][]time.Time),
	}
}

// NewFlapPolicy builds the policy from config. Without both a crash
// threshold and a window, flap detection stays off.
func NewFlapPolicy(cfg config.FleetConfig) FlapPolicy {
	if cfg.FlapMaxCrashes > 0 && cfg.FlapWindow > 0 {
		return NewThresholdFlapPolicy(cfg.FlapMaxCrashes, cfg.FlapWindow)
	}
	return alwaysHealthy{}
}

func (p *ThresholdFlapPolicy) Crashed(agentID string, at time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	recent := p.crashes[agentID][:0]
	for _, t := range p.crashes[agentID] {
		if at.Sub(t) < p.window {
			recent = append(recent, t)
		}
	}
	recent = append(recent, at)
	p.crashes[agentID] = recent

	if len(recent) >= p.maxCrashes {
		delete(p.crashes, agentID)
		return true
	}
	return false
}

// Package phase implements the Phase Gate (spec §4.A): a process-wide,
// ordinal rollout phase read from environment at startup and snapshotted
// into an immutable config, grounded on the teacher's env-snapshot style
// in pkg/config.Load.
package phase

import (
	"fmt"
	"os"
	"sync"
)

// Phase is an ordinal rollout stage. ReadOnly < Proposal < Execution.
type Phase int

const (
	ReadOnly Phase = iota
	Proposal
	Execution
)

func (p Phase) String() string {
	switch p {
	case ReadOnly:
		return "ReadOnly"
	case Proposal:
		return "Proposal"
	case Execution:
		return "Execution"
	default:
		return "ReadOnly"
	}
}

// ParsePhase resolves a phase string. Invalid/unrecognized strings
// resolve to ReadOnly (fail-safe), per spec §4.A.
func ParsePhase(s string) Phase {
	switch s {
	case "Proposal":
		return Proposal
	case "Execution":
		return Execution
	case "ReadOnly":
		return ReadOnly
	default:
		return ReadOnly
	}
}

// ErrPhaseViolation is returned when the current phase is below the one
// an operation requires.
type ErrPhaseViolation struct {
	Current  Phase
	Required Phase
}

func (e *ErrPhaseViolation) Error() string {
	return fmt.Sprintf("phase_violation: current=%s required=%s", e.Current, e.Required)
}

// Snapshot is the immutable config the gate was constructed from. It is
// a pure value: Gate's behavior is a pure function of Snapshot, which is
// the tested determinism property (spec §4.A "pure function of its
// snapshot").
type Snapshot struct {
	Current Phase
	Enabled bool
}

// Gate wraps a Snapshot and exposes require_phase. Config is refreshable
// only via the explicit Reset operation, used by tests — there is no
// implicit re-read of environment on every call.
type Gate struct {
	mu   sync.RWMutex
	snap Snapshot
}

// New builds a Gate by reading AI_PHASE and AI_ENABLED from the
// environment once, at construction.
func New() *Gate {
	return &Gate{snap: loadSnapshot()}
}

// NewFromSnapshot builds a Gate from an explicit snapshot, bypassing
// environment entirely — useful for tests and for composing the fabric
// from a config object already loaded elsewhere.
func NewFromSnapshot(snap Snapshot) *Gate {
	return &Gate{snap: snap}
}

func loadSnapshot() Snapshot {
	return Snapshot{
		Current: ParsePhase(os.Getenv("AI_PHASE")),
		Enabled: os.Getenv("AI_ENABLED") != "false",
	}
}

// Reset re-reads environment into a fresh snapshot. Exists for tests
// only (spec §4.A: "Config is refreshable only via an explicit reset
// operation used by tests").
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snap = loadSnapshot()
}

// ResetTo replaces the snapshot outright, for tests that want to pin an
// exact phase/enabled combination without touching process environment.
func (g *Gate) ResetTo(snap Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snap = snap
}

// Current returns the gate's current phase.
func (g *Gate) Current() Phase {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap.Current
}

// Enabled reports whether the fabric is enabled at all; when false,
// RequirePhase always fails regardless of phase ordinal.
func (g *Gate) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snap.Enabled
}

// RequirePhase succeeds iff the gate is enabled and current_phase >= p.
func (g *Gate) RequirePhase(p Phase) error {
	g.mu.RLock()
	snap := g.snap
	g.mu.RUnlock()

	if !snap.Enabled {
		return &ErrPhaseViolation{Current: ReadOnly, Required: p}
	}
	if snap.Current < p {
		return &ErrPhaseViolation{Current: snap.Current, Required: p}
	}
	return nil
}

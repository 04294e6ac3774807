package phase_test

import (
	"testing"

	"github.com/aegisfabric/governance/pkg/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePhase_InvalidResolvesToReadOnly(t *testing.T) {
	assert.Equal(t, phase.ReadOnly, phase.ParsePhase("bogus"))
	assert.Equal(t, phase.ReadOnly, phase.ParsePhase(""))
	assert.Equal(t, phase.Proposal, phase.ParsePhase("Proposal"))
	assert.Equal(t, phase.Execution, phase.ParsePhase("Execution"))
}

func TestGate_OrdinalComparison(t *testing.T) {
	g := phase.NewFromSnapshot(phase.Snapshot{Current: phase.Proposal, Enabled: true})

	require.NoError(t, g.RequirePhase(phase.ReadOnly))
	require.NoError(t, g.RequirePhase(phase.Proposal))

	err := g.RequirePhase(phase.Execution)
	require.Error(t, err)
	var pv *phase.ErrPhaseViolation
	require.ErrorAs(t, err, &pv)
	assert.Equal(t, phase.Proposal, pv.Current)
	assert.Equal(t, phase.Execution, pv.Required)
}

func TestGate_DisabledAlwaysViolates(t *testing.T) {
	g := phase.NewFromSnapshot(phase.Snapshot{Current: phase.Execution, Enabled: false})
	err := g.RequirePhase(phase.ReadOnly)
	require.Error(t, err)
}

// P1: Gate behavior is a pure function of its snapshot.
func TestGate_DeterministicAcrossRepeatedCalls(t *testing.T) {
	g := phase.NewFromSnapshot(phase.Snapshot{Current: phase.Proposal, Enabled: true})
	first := g.RequirePhase(phase.Execution)
	for i := 0; i < 50; i++ {
		again := g.RequirePhase(phase.Execution)
		assert.Equal(t, first, again)
	}
}

func TestGate_ResetToReplacesSnapshot(t *testing.T) {
	g := phase.NewFromSnapshot(phase.Snapshot{Current: phase.ReadOnly, Enabled: true})
	require.Error(t, g.RequirePhase(phase.Proposal))

	g.ResetTo(phase.Snapshot{Current: phase.Execution, Enabled: true})
	require.NoError(t, g.RequirePhase(phase.Proposal))
}

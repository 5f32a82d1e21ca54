package hooks

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2389-research/fleetd/internal/orcherr"
)

func pipelineWithDefaults(mode Mode) *Pipeline {
	p := New(mode)
	for _, h := range DefaultHooks() {
		p.Register(h)
	}
	return p
}

func TestEnforceModeBlocksRecursiveDelete(t *testing.T) {
	p := pipelineWithDefaults(ModeEnforce)
	_, err := p.Check(Context{Operation: OpBashCommand, Command: "rm -rf /"})

	var safetyErr *orcherr.SafetyError
	require.ErrorAs(t, err, &safetyErr)
	require.Equal(t, "block-recursive-delete-root", safetyErr.HookID)
}

func TestEnforceModeBlocksForkBomb(t *testing.T) {
	p := pipelineWithDefaults(ModeEnforce)
	_, err := p.Check(Context{Operation: OpBashCommand, Command: ":(){ :|:& };:"})
	require.Error(t, err)
}

func TestEnforceModeBlocksSecretFileRead(t *testing.T) {
	p := pipelineWithDefaults(ModeEnforce)
	_, err := p.Check(Context{Operation: OpFileRead, Path: "/home/alice/.ssh/id_rsa"})
	require.Error(t, err)
}

func TestEnforceModeAllowsOrdinaryCommand(t *testing.T) {
	p := pipelineWithDefaults(ModeEnforce)
	res, err := p.Check(Context{Operation: OpBashCommand, Command: "ls -la"})
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestAdvisoryModeNeverBlocks(t *testing.T) {
	p := pipelineWithDefaults(ModeAdvisory)
	res, err := p.Check(Context{Operation: OpBashCommand, Command: "rm -rf /"})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
}

func TestHooksRunInPriorityDescendingOrder(t *testing.T) {
	var order []string
	p := New(ModeEnforce)
	p.Register(&Hook{ID: "low", Priority: 1, Enabled: true, Validate: func(Context) Verdict {
		order = append(order, "low")
		return Verdict{Allowed: true}
	}})
	p.Register(&Hook{ID: "high", Priority: 10, Enabled: true, Validate: func(Context) Verdict {
		order = append(order, "high")
		return Verdict{Allowed: true}
	}})

	_, err := p.Check(Context{Operation: OpBashCommand})
	require.NoError(t, err)
	require.Equal(t, []string{"high", "low"}, order)
}

func TestDisabledHookNeverRuns(t *testing.T) {
	ran := false
	p := New(ModeEnforce)
	p.Register(&Hook{ID: "disabled", Priority: 100, Enabled: false, Validate: func(Context) Verdict {
		ran = true
		return Verdict{Allowed: false, Reason: "should never run"}
	}})

	res, err := p.Check(Context{Operation: OpBashCommand})
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.False(t, ran)
}

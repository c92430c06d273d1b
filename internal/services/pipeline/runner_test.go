package pipeline

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunner_CapturesStdout(t *testing.T) {
	requireShell(t)
	runner := NewExecRunner(arbor.NewLogger())

	result, err := runner.Run("sh", "-c", "echo out; echo err >&2")
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.True(t, result.Success())
	assert.Equal(t, "out\n", result.Stdout)
	assert.Equal(t, "err\n", result.Stderr)
}

func TestExecRunner_NonZeroExitIsNotAnError(t *testing.T) {
	requireShell(t)
	runner := NewExecRunner(arbor.NewLogger())

	result, err := runner.Run("sh", "-c", "echo broken >&2; exit 3")
	require.NoError(t, err)

	assert.Equal(t, 3, result.ExitCode)
	assert.False(t, result.Success())
	assert.Equal(t, "broken\n", result.Stderr)
}

func TestExecRunner_MissingBinary(t *testing.T) {
	runner := NewExecRunner(arbor.NewLogger())

	_, err := runner.Run("praxis-nonexistent-command-for-test")
	assert.Error(t, err)
}

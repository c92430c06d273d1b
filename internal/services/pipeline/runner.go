package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/praxis/internal/interfaces"
)

// ExecRunner runs external stage commands via os/exec. Commands run without
// a deadline: a stage blocks its worker until the process exits, and nothing
// in the orchestrator can preempt it.
type ExecRunner struct {
	logger arbor.ILogger
}

// NewExecRunner creates a CommandRunner backed by os/exec
func NewExecRunner(logger arbor.ILogger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run executes the command and captures stdout and stderr separately.
// A clean non-zero exit is not an error: it comes back in ExitResult for the
// stage to interpret. The returned error means the process could not be
// started or did not produce an exit status.
func (r *ExecRunner) Run(command string, args ...string) (interfaces.ExitResult, error) {
	cmd := exec.Command(command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug().
		Str("command", command).
		Str("args", strings.Join(args, " ")).
		Msg("Running external command")

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := interfaces.ExitResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			r.logger.Warn().
				Str("command", command).
				Int("exit_code", result.ExitCode).
				Str("duration", elapsed.String()).
				Msg("External command exited non-zero")
			return result, nil
		}
		return result, fmt.Errorf("failed to run %s: %w", command, err)
	}

	r.logger.Debug().
		Str("command", command).
		Str("duration", elapsed.String()).
		Msg("External command completed")

	return result, nil
}

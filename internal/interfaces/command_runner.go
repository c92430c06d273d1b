package interfaces

// ExitResult captures the outcome of one external command invocation
type ExitResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited with status zero
func (r ExitResult) Success() bool {
	return r.ExitCode == 0
}

// CommandRunner invokes external procedures on behalf of pipeline stages.
// Run blocks until the process exits; there is no timeout and no
// cancellation. A non-nil error means the command could not be started or
// its exit status could not be determined; a clean non-zero exit comes back
// as a nil error with ExitResult.ExitCode set.
type CommandRunner interface {
	Run(command string, args ...string) (ExitResult, error)
}

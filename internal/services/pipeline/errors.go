package pipeline

import (
	"errors"
	"fmt"

	"github.com/ternarybob/praxis/internal/models"
)

// ErrAlreadyRunning is returned by Execute when another run holds the guard.
// It carries skip semantics: the attempt is reported as skipped on the event
// stream and is not a failure of any run.
var ErrAlreadyRunning = errors.New("training already in progress")

// ErrModelMissing is the verification failure: training reported success but
// the artifact is absent from its expected path.
var ErrModelMissing = errors.New("trained model not found")

// StageError is a fatal stage failure. It aborts the remaining stages and
// ends the run; the guard still releases.
type StageError struct {
	Step models.PipelineStep
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Step, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// UploadError is the non-fatal upload failure: logged and reported on the
// event stream, but the run continues to the broadcast stage.
type UploadError struct {
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model upload failed: %v", e.Err)
	}
	return fmt.Sprintf("model upload failed: status %d", e.StatusCode)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

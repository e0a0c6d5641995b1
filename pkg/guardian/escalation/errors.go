package escalation

import (
	"errors"
	"fmt"

	"github.com/TFMV/guardian/pkg/guardian/threat"
)

// Standard error types
var (
	ErrInvalidSignal        = threat.ErrInvalidSignal
	ErrPhaseFailed          = errors.New("response phase failed")
	ErrRecoveryPrecondition = errors.New("recovery precondition not met")
	ErrNothingToRetry       = errors.New("no failed response to retry")
	ErrMissingCollaborator  = errors.New("missing collaborator")
)

// PhaseFailure reports the phase that halted a response sequence. It matches
// both ErrPhaseFailed and the underlying cause with errors.Is.
type PhaseFailure struct {
	Sequence string
	Phase    string
	Index    int
	Err      error
}

func (f *PhaseFailure) Error() string {
	return fmt.Sprintf("%s phase %d (%s) failed: %v", f.Sequence, f.Index+1, f.Phase, f.Err)
}

// Unwrap exposes ErrPhaseFailed and the cause
func (f *PhaseFailure) Unwrap() []error {
	return []error{ErrPhaseFailed, f.Err}
}

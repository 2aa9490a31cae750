package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error types surfaced across the producer-facing API
var (
	ErrPostingNotFound       = errors.New("posting not found")
	ErrJobNotFound           = errors.New("job record not found")
	ErrJobNotClaimable       = errors.New("job record is not claimable")
	ErrJobNotRegistered      = errors.New("no function registered for this entry point and target")
	ErrDuplicateRegistration = errors.New("function already registered for this entry point and target")
	ErrTimeout               = errors.New("deadline exceeded while waiting")
	ErrPoolClosed            = errors.New("pool is closed")
	ErrVariableNotFound      = errors.New("posting variable not found")
)

// ResolutionError reports a failed Registry lookup. At execution time it is
// treated like a user-function failure: the unit burns a try.
type ResolutionError struct {
	EntryPoint string
	Target     string
}

func (e ResolutionError) Error() string {
	return fmt.Sprintf("no function registered for entry point %s and target %s",
		e.EntryPoint, e.Target)
}

func (e ResolutionError) Unwrap() error {
	return ErrJobNotRegistered
}

// ArgumentError reports arguments that cannot cross the JSON boundary.
// These are programmer errors and are surfaced synchronously at Post time,
// never written to the database.
type ArgumentError struct {
	Index   int
	Details string
}

func (e ArgumentError) Error() string {
	return fmt.Sprintf("argument set %d is not JSON-serializable: %s", e.Index, e.Details)
}

// TimeoutError wraps ErrTimeout with what was being waited on.
type TimeoutError struct {
	PostingID uuid.UUID
	Waited    time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("posting %s did not complete within %s", e.PostingID, e.Waited)
}

func (e TimeoutError) Unwrap() error {
	return ErrTimeout
}

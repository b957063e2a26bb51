package session

import (
	"errors"
	"fmt"
	"syscall"
)

// Error kinds. A *PhaseError matches exactly one of them with errors.Is.
var (
	ErrPlatformUnsupported = errors.New("performance monitoring not supported")
	ErrContextAcquisition  = errors.New("cannot create monitoring context")
	ErrRegisterProgramming = errors.New("cannot program registers")
	ErrStartStop           = errors.New("cannot start or stop monitoring")
	ErrRead                = errors.New("cannot read counters")

	ErrOrdering       = errors.New("operation out of order")
	ErrNotInitialized = errors.New("library not initialized")
)

// PhaseError is a failed privileged call.
type PhaseError struct {
	Op   string
	Kind error
	// Code is the platform error number, zero when the controller gave none.
	Code syscall.Errno
	Err  error
}

func newPhaseError(op string, kind, err error) *PhaseError {
	pe := &PhaseError{Op: op, Kind: kind, Err: err}
	errors.As(err, &pe.Code)
	return pe
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (errno %d)", int(e.Code))
	}
	return msg
}

func (e *PhaseError) Unwrap() []error { return []error{e.Kind, e.Err} }

// OrderError rejects a call made in the wrong state.
type OrderError struct {
	Op    string
	State State
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%s: %v: session is %s", e.Op, ErrOrdering, e.State)
}

func (e *OrderError) Is(target error) bool { return target == ErrOrdering }

func isENOSYS(err error) bool { return errors.Is(err, syscall.ENOSYS) }

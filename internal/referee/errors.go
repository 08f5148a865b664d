package referee

import (
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrElementNotFound is returned when an element does not exist, belongs to
	// another challenge, or is not in the requested partition.
	ErrElementNotFound = errors.New("input element not found")
	// ErrSandboxFailure covers a non-zero container exit, unparseable output
	// and an execution that was cancelled or timed out.
	ErrSandboxFailure   = errors.New("sandbox failure")
	ErrDigestResolution = errors.New("container digest resolution failed")
	ErrCondPending      = errors.New("run condition is not resolved")
)

// NoRun is returned by RunController.Create when the gate is closed.
var NoRun = uuid.Nil

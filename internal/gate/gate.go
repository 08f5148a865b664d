// Package gate carries the condition that decides whether a dependent phase
// of a pipeline may start.
package gate

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Cond is either pending or resolved to a boolean. The zero value is pending.
type Cond struct {
	resolved bool
	value    bool
}

func Pending() Cond {
	return Cond{}
}

func Ready(value bool) Cond {
	return Cond{resolved: true, value: value}
}

func (c Cond) Resolved() (value bool, ok bool) {
	return c.value, c.resolved
}

func (c Cond) String() string {
	if !c.resolved {
		return "pending"
	}
	return fmt.Sprintf("ready(%t)", c.value)
}

// Decide turns the outcome of an upstream phase into the condition for the
// next one. A phase that created no run, failed, or did not finalize closes
// the gate.
func Decide(runID uuid.UUID, finalized bool, err error) Cond {
	if err != nil || runID == uuid.Nil {
		return Ready(false)
	}
	return Ready(finalized)
}

// MarshalJSON encodes a pending condition as null and a resolved one as its
// boolean.
func (c Cond) MarshalJSON() ([]byte, error) {
	if !c.resolved {
		return []byte("null"), nil
	}
	return json.Marshal(c.value)
}

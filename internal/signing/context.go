package signing

import (
	"sync"
	"time"
)

// State is the asynchronous simulation state of an OperationContext.
type State int

const (
	// StateIdle means no signing work is in flight.
	StateIdle State = iota

	// StateSubmitted means the operation has been handed to the simulated
	// execution unit and has not finished.
	StateSubmitted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitted:
		return "submitted"
	default:
		return "unknown"
	}
}

// OperationContext tracks one connection's in-flight signing request across
// repeated provider invocations. A context belongs to exactly one connection
// and is never shared; after any terminal outcome it returns to idle and can
// serve the next request.
type OperationContext struct {
	mu sync.Mutex

	connID      string
	state       State
	attemptID   string
	submittedAt time.Time
}

// NewOperationContext creates an idle context for the given connection.
func NewOperationContext(connID string) *OperationContext {
	return &OperationContext{connID: connID}
}

// ConnID returns the owning connection's identifier.
func (c *OperationContext) ConnID() string { return c.connID }

// State returns the current state.
func (c *OperationContext) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Abort discards any in-flight work and resets the context to idle, so it is
// safe to reuse or drop. Reports whether work was actually in flight.
func (c *OperationContext) Abort() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	aborted := c.state == StateSubmitted
	c.state = StateIdle
	c.attemptID = ""
	c.submittedAt = time.Time{}
	return aborted
}

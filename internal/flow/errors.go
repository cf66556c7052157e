package flow

import (
	"fmt"
	"strings"
)

// UnknownEntityTypeError reports a record whose entity type is not declared
// in the graph. This is a configuration or caller error, never recoverable
// by retry.
type UnknownEntityTypeError struct {
	EntityType string
}

func (e UnknownEntityTypeError) Error() string {
	return fmt.Sprintf("unknown entity type %q", e.EntityType)
}

// UnknownTransitionError reports a transition name not declared for the
// record's current state. A client programming error, not retryable.
type UnknownTransitionError struct {
	EntityType string
	State      string
	Name       string
}

func (e UnknownTransitionError) Error() string {
	return fmt.Sprintf("no transition %q from state %q of %s", e.Name, e.State, e.EntityType)
}

// GuardError reports unmet requirements at execution time. Recoverable: the
// caller supplies the missing data and retries.
type GuardError struct {
	Transition string
	Unmet      []string
}

func (e GuardError) Error() string {
	return fmt.Sprintf("transition %q blocked: unmet requirements %s", e.Transition, strings.Join(e.Unmet, ", "))
}

// TerminalReentryError reports an attempt to transition into a state whose
// write-once marker is already set. Rejected rather than silently ignored.
type TerminalReentryError struct {
	Transition string
	State      string
	Marker     string
}

func (e TerminalReentryError) Error() string {
	return fmt.Sprintf("transition %q would re-enter %s state %q (%s already set)", e.Transition, e.Marker, e.State, e.Marker+"_at")
}

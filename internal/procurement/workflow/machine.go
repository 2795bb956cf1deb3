// Package workflow drives document approval as a forward-only state machine.
// Transitions live in data tables rather than scattered if-chains, so adding a
// document kind or a step means editing a table, not handler code.
package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition indicates the action is not defined for the
	// document's current state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrForbidden indicates the actor lacks the role the transition requires.
	ErrForbidden = errors.New("actor role not permitted for transition")
)

// Kind identifies a document type governed by the machine.
type Kind string

// State is a document lifecycle status.
type State string

// Action is an operator-initiated transition trigger.
type Action string

// Transition is one edge of the machine: performing Action from the keyed
// state moves the document to Next, provided the actor holds Role.
type Transition struct {
	Action Action
	Next   State
	Role   string
}

// Key addresses the outgoing edges of one state of one document kind.
type Key struct {
	Kind Kind
	From State
}

// Machine maps states to their permitted outgoing transitions. States with no
// entry are terminal.
type Machine map[Key][]Transition

// Attempt resolves the action against the table and returns the next state.
// The roles slice is the actor's full role set.
func (m Machine) Attempt(kind Kind, from State, action Action, roles []string) (State, error) {
	for _, tr := range m[Key{Kind: kind, From: from}] {
		if tr.Action != action {
			continue
		}
		if tr.Role != "" && !contains(roles, tr.Role) {
			return "", fmt.Errorf("%w: %s requires %s", ErrForbidden, action, tr.Role)
		}
		return tr.Next, nil
	}
	return "", fmt.Errorf("%w: cannot %s a %s in status %q", ErrInvalidTransition, action, kind, from)
}

// Terminal reports whether a state has no outgoing transitions.
func (m Machine) Terminal(kind Kind, state State) bool {
	return len(m[Key{Kind: kind, From: state}]) == 0
}

// Actions lists the transitions available from a state, for surfacing
// permitted next steps to clients.
func (m Machine) Actions(kind Kind, from State) []Action {
	edges := m[Key{Kind: kind, From: from}]
	actions := make([]Action, 0, len(edges))
	for _, tr := range edges {
		actions = append(actions, tr.Action)
	}
	return actions
}

func contains(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

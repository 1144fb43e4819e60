// Package fsm provides a small declarative state-transition engine.
//
// A Table is built once from a list of Rules and shared freely; it never
// holds entity state. Callers pass the current state, the event, and a
// lifecycle-specific guard context, and receive either the next state or a
// typed error describing why the transition is not allowed.
package fsm

import "fmt"

// Rule describes a single allowed edge. Guard may reject an otherwise valid
// edge; it must not perform side effects.
type Rule[S comparable, E comparable, C any] struct {
	From  S
	Event E
	To    S
	Guard func(C) error
}

// Table is an immutable transition table over states S, events E and guard
// context C. Zero declared outgoing edges makes a state terminal.
type Table[S comparable, E comparable, C any] struct {
	index    map[edgeKey[S, E]]Rule[S, E, C]
	outgoing map[S]int
}

type edgeKey[S comparable, E comparable] struct {
	from  S
	event E
}

// New builds a Table from rules. Duplicate (from, event) pairs are a
// programming error and are rejected.
func New[S comparable, E comparable, C any](rules []Rule[S, E, C]) (*Table[S, E, C], error) {
	t := &Table[S, E, C]{
		index:    make(map[edgeKey[S, E]]Rule[S, E, C], len(rules)),
		outgoing: make(map[S]int),
	}
	for _, r := range rules {
		k := edgeKey[S, E]{from: r.From, event: r.Event}
		if _, exists := t.index[k]; exists {
			return nil, fmt.Errorf("fsm: duplicate rule %v -> %v", r.From, r.Event)
		}
		t.index[k] = r
		t.outgoing[r.From]++
	}
	return t, nil
}

// MustNew is New for package-level table construction.
func MustNew[S comparable, E comparable, C any](rules []Rule[S, E, C]) *Table[S, E, C] {
	t, err := New(rules)
	if err != nil {
		panic(err)
	}
	return t
}

// Transition resolves the next state for (current, event) or reports why the
// move is rejected: TerminalStateError when current has no outgoing edges,
// InvalidTransitionError when the event is undefined for current, GuardError
// when the edge exists but its guard said no.
func (t *Table[S, E, C]) Transition(current S, event E, gc C) (S, error) {
	r, ok := t.index[edgeKey[S, E]{from: current, event: event}]
	if !ok {
		var zero S
		if t.Terminal(current) {
			return zero, &TerminalStateError{State: fmt.Sprint(current), Event: fmt.Sprint(event)}
		}
		return zero, &InvalidTransitionError{State: fmt.Sprint(current), Event: fmt.Sprint(event)}
	}
	if r.Guard != nil {
		if err := r.Guard(gc); err != nil {
			var zero S
			return zero, &GuardError{State: fmt.Sprint(current), Event: fmt.Sprint(event), Reason: err}
		}
	}
	return r.To, nil
}

// CanTransition reports whether Transition would succeed, without mutating
// anything. Used by read-only validation paths.
func (t *Table[S, E, C]) CanTransition(current S, event E, gc C) bool {
	_, err := t.Transition(current, event, gc)
	return err == nil
}

// Terminal reports whether the state has no outgoing edges.
func (t *Table[S, E, C]) Terminal(s S) bool {
	return t.outgoing[s] == 0
}

// InvalidTransitionError means the event is not defined for the state.
type InvalidTransitionError struct {
	State string
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("fsm: event %q not allowed in state %q", e.Event, e.State)
}

// TerminalStateError means the state has no outgoing edges at all.
type TerminalStateError struct {
	State string
	Event string
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("fsm: state %q is terminal, event %q rejected", e.State, e.Event)
}

// GuardError means the edge exists but its guard rejected the transition.
type GuardError struct {
	State  string
	Event  string
	Reason error
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("fsm: guard rejected event %q in state %q: %v", e.Event, e.State, e.Reason)
}

func (e *GuardError) Unwrap() error { return e.Reason }

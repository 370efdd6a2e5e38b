package models

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrInvalidTransition is wrapped by every transition rejection so callers
// can distinguish configuration errors from storage errors
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrLocked is returned when a mutation is attempted on an entity frozen by
// an external configuration owner
var ErrLocked = errors.New("resource is locked")

// TransitionCheck validates a proposed transition for one entity instance.
// Checks must be read-only; the first failing check aborts the transition.
type TransitionCheck[T any] func(tx *gorm.DB, instance T) error

// Transition is one allowed edge in an entity's state machine
type Transition[T any] struct {
	From   State
	To     State
	Checks []TransitionCheck[T]
}

// ValidateTransition validates a proposed state change against a transition
// table. A newly created instance (empty current state) is accepted
// unconditionally. Otherwise the (from, to) pair must appear in the table and
// every check on the matching entry must pass.
func ValidateTransition[T any](tx *gorm.DB, instance T, transitions []Transition[T], current, proposed State) error {
	if current == "" || current == proposed {
		return nil
	}

	for _, t := range transitions {
		if t.From != current || t.To != proposed {
			continue
		}
		for _, check := range t.Checks {
			if err := check(tx, instance); err != nil {
				return err
			}
		}
		return nil
	}

	return fmt.Errorf("%w: cannot move from %q to %q", ErrInvalidTransition, current, proposed)
}

// EnsureNotLocked fails with ErrLocked when the locked attribute is set.
// Every mutating service entry point calls this before applying a change.
func EnsureNotLocked(locked, entity, id string) error {
	if locked != "" {
		return fmt.Errorf("%w: %s %s is locked by %q", ErrLocked, entity, id, locked)
	}
	return nil
}

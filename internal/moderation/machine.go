// Package moderation enforces the comment status lifecycle and applies
// single and bulk transitions against the record store.
package moderation

import (
	"fmt"

	"threadmod/api/internal/store"
)

// transitions lists the legal targets for each status. Deleted is terminal.
var transitions = map[store.Status][]store.Status{
	store.StatusPending:  {store.StatusApproved, store.StatusRejected, store.StatusDeleted},
	store.StatusApproved: {store.StatusRejected, store.StatusDeleted},
	store.StatusRejected: {store.StatusApproved, store.StatusDeleted},
}

func CanTransition(from, to store.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate returns ErrInvalidTransition for any move the lifecycle forbids,
// including staying in the same status.
func Validate(from, to store.Status) error {
	if !to.Valid() {
		return store.Validationf("unknown status %q", to)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: cannot move comment from %s to %s", store.ErrInvalidTransition, from, to)
	}
	return nil
}

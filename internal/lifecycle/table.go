// Package lifecycle holds the static transition table: the directed graph of
// legal state-to-state moves for an asset. It is the single source of truth
// for "can this move ever happen" and is consulted before any condition work.
package lifecycle

import "github.com/tangible-labs/assetcycle/model"

// transitions is the adjacency list of legal moves. A pair (from, to) is legal
// iff to appears in transitions[from]. Terminal states have no entry.
var transitions = map[model.LifecycleState][]model.LifecycleState{
	model.StateDraft: {
		model.StateUnderReview,
		model.StateRetired,
	},
	model.StateUnderReview: {
		model.StateApproved,
		model.StateDraft, // sent back for rework
		model.StateRetired,
	},
	model.StateApproved: {
		model.StateTokenizing,
		model.StateRetired,
	},
	model.StateTokenizing: {
		model.StateTokenized,
		model.StateApproved, // tokenization aborted
	},
	model.StateTokenized: {
		model.StateListed,
		model.StateInsured,
		model.StateUnderMaintenance,
		model.StateRetired,
	},
	model.StateListed: {
		model.StateInEscrow,
		model.StateTokenized, // delisted
	},
	model.StateInEscrow: {
		model.StateTransferred,
		model.StateListed, // escrow fell through
	},
	model.StateTransferred: {
		model.StateListed,
		model.StateInsured,
		model.StateUnderMaintenance,
		model.StateRetired,
	},
	model.StateUnderMaintenance: {
		model.StateTokenized,
		model.StateTransferred,
		model.StateInsured,
		model.StateRetired,
		model.StateDestroyed, // written off during maintenance
	},
	model.StateInsured: {
		model.StateListed,
		model.StateTransferred,
		model.StateUnderMaintenance,
		model.StateRetired,
		model.StateDestroyed, // total loss claim
	},
}

// terminal states have no outgoing edges and admit no further transitions.
var terminal = map[model.LifecycleState]bool{
	model.StateRetired:   true,
	model.StateDestroyed: true,
}

// known is the full state enumeration, including terminal states.
var known = map[model.LifecycleState]bool{
	model.StateDraft:            true,
	model.StateUnderReview:      true,
	model.StateApproved:         true,
	model.StateTokenizing:       true,
	model.StateTokenized:        true,
	model.StateListed:           true,
	model.StateInEscrow:         true,
	model.StateTransferred:      true,
	model.StateUnderMaintenance: true,
	model.StateInsured:          true,
	model.StateRetired:          true,
	model.StateDestroyed:        true,
}

// IsLegal reports whether the move from -> to is ever legal, independent of
// conditions.
func IsLegal(from, to model.LifecycleState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state admits no outgoing transitions.
func IsTerminal(state model.LifecycleState) bool {
	return terminal[state]
}

// Known reports whether the state is part of the enumeration.
func Known(state model.LifecycleState) bool {
	return known[state]
}

// Next returns the states legally reachable from the given state.
func Next(from model.LifecycleState) []model.LifecycleState {
	next := transitions[from]
	out := make([]model.LifecycleState, len(next))
	copy(out, next)
	return out
}

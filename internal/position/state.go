package position

import (
	"errors"
	"fmt"

	"trade-fleet/internal/model"
)

var (
	ErrInvalidTransition = errors.New("position: invalid state transition")
	ErrUnknownTicket     = errors.New("position: unknown ticket")
)

// rank orders position states. A position only ever moves to a higher rank;
// CLOSED is terminal.
var rank = map[model.PositionState]int{
	model.PositionOpen:            0,
	model.PositionBreakevenSet:    1,
	model.PositionPartiallyClosed: 2,
	model.PositionTrailingActive:  3,
	model.PositionClosed:          4,
}

// CanTransition reports whether a position may move from one state to another.
func CanTransition(from, to model.PositionState) bool {
	rf, okFrom := rank[from]
	rt, okTo := rank[to]
	if !okFrom || !okTo || from == model.PositionClosed {
		return false
	}
	return rt > rf
}

// advance moves pos to state to if that is forward. Reaching an
// equal-or-lower state is a no-op so a later milestone never demotes an
// earlier one. Leaving CLOSED is an error.
func advance(pos *model.Position, to model.PositionState) error {
	if pos.State == model.PositionClosed {
		return fmt.Errorf("%w: ticket %d is %s, cannot move to %s", ErrInvalidTransition, pos.Ticket, pos.State, to)
	}
	if CanTransition(pos.State, to) {
		pos.State = to
	}
	return nil
}

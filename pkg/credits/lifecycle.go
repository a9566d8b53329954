package credits

import (
	"fmt"

	"github.com/qmuntal/stateless"
)

type reservationTrigger string

const (
	triggerSettle  reservationTrigger = "settle"
	triggerRelease reservationTrigger = "release"
	triggerExpire  reservationTrigger = "expire"
)

// Pending is the only state with outgoing edges; settled, released and expired are terminal.
func newReservationLifecycle(current ReservationStatus) *stateless.StateMachine {
	machine := stateless.NewStateMachine(current)
	machine.Configure(ReservationStatusPending).
		Permit(triggerSettle, ReservationStatusSettled).
		Permit(triggerRelease, ReservationStatusReleased).
		Permit(triggerExpire, ReservationStatusExpired)
	machine.Configure(ReservationStatusSettled)
	machine.Configure(ReservationStatusReleased)
	machine.Configure(ReservationStatusExpired)
	return machine
}

func nextReservationStatus(current ReservationStatus, trigger reservationTrigger) (ReservationStatus, error) {
	machine := newReservationLifecycle(current)
	if err := machine.Fire(trigger); err != nil {
		return current, fmt.Errorf("%w: cannot %s a %s reservation", ErrInvalidReservationStatus, trigger, current)
	}
	next, ok := machine.MustState().(ReservationStatus)
	if !ok {
		return current, fmt.Errorf("%w: unexpected lifecycle state %v", ErrInvalidReservationStatus, machine.MustState())
	}
	return next, nil
}

// IsTerminal reports whether no further transition is possible.
func (status ReservationStatus) IsTerminal() bool {
	return status != ReservationStatusPending
}

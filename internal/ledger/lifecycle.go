package ledger

// StateMachine enforces lot status transitions, including the
// dual-acknowledgement gate in front of freezing.
type StateMachine struct {
	allowedTransitions map[LotStatus][]LotStatus
}

// NewStateMachine creates the lot lifecycle state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		allowedTransitions: map[LotStatus][]LotStatus{
			StatusDraft:    {StatusPending, StatusDeleted},
			StatusPending:  {StatusAccepted, StatusRejected, StatusDeleted},
			StatusAccepted: {StatusFrozen, StatusDeleted},
			StatusRejected: {StatusPending, StatusDeleted},
			// Frozen reverts to accepted only when a declaration is
			// invalidated by an administrator.
			StatusFrozen:  {StatusAccepted, StatusDeleted},
			StatusDeleted: {},
		},
	}
}

// CanTransition checks whether a status transition is allowed by the table
// alone, ignoring per-lot guards.
func (sm *StateMachine) CanTransition(from, to LotStatus) bool {
	for _, allowed := range sm.allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the legal next statuses for a given status.
func (sm *StateMachine) AllowedTransitions(from LotStatus) []LotStatus {
	return sm.allowedTransitions[from]
}

// Transition moves a lot to the requested status, applying the freeze gate:
// a lot freezes only once both trading parties have included it in a
// validated monthly declaration. An illegal transition is rejected, never
// ignored.
func (sm *StateMachine) Transition(lot *Lot, to LotStatus) error {
	if !sm.CanTransition(lot.Status, to) {
		return &InvalidTransitionError{From: lot.Status, To: to}
	}
	if to == StatusFrozen && !(lot.DeclaredBySupplier && lot.DeclaredByClient) {
		return &InvalidTransitionError{
			From: lot.Status,
			To:   to,
			Why:  "both supplier and client declarations are required",
		}
	}
	lot.Status = to
	return nil
}

// FreezeEligible recomputes whether a lot may freeze from its declaration
// flags, rather than relying on ambient state.
func FreezeEligible(lot *Lot) bool {
	return lot.Status == StatusAccepted && lot.DeclaredBySupplier && lot.DeclaredByClient
}

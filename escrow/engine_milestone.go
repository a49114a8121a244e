package escrow

import (
	"context"
	"strings"
)

// ReleasePartial settles a single satisfied milestone condition. The first
// partial release fixes the settlement destination for the whole escrow;
// every subsequent tranche must name the same destination, since the record
// tracks one destination per escrow. Once every milestone-typed condition
// has been released the escrow transitions to released.
func (e *Engine) ReleasePartial(ctx context.Context, id, conditionID, destination, ref string) (*Escrow, error) {
	dest := strings.TrimSpace(destination)
	txRef := strings.TrimSpace(ref)
	if dest == "" {
		return nil, validationErr("escrow %s: release destination required", id)
	}
	if txRef == "" {
		return nil, validationErr("escrow %s: settlement reference required", id)
	}
	completed := false
	updated, err := e.store.Update(ctx, id, func(esc *Escrow) error {
		if esc.Status != StatusFunded && esc.Status != StatusPendingRelease {
			return stateErr(esc.ID, "partially release", esc.Status)
		}
		cond := esc.Condition(conditionID)
		if cond == nil {
			return notFoundErr("escrow %s: condition %s", esc.ID, conditionID)
		}
		if !cond.IsMilestone() {
			return validationErr("escrow %s: condition %s carries no payout allocation", esc.ID, cond.ID)
		}
		if cond.Status != ConditionSatisfied {
			return conditionStateErr(esc.ID, cond.ID, "partially release", cond.Status)
		}
		if cond.ReleasedAt != nil {
			return conditionStateErr(esc.ID, cond.ID, "partially release again", cond.Status)
		}
		if esc.Settlement != nil && esc.Settlement.Destination != dest {
			return validationErr("escrow %s: settlement destination already fixed to %s", esc.ID, esc.Settlement.Destination)
		}
		now := e.now()
		cond.ReleasedAt = &now
		cond.ReleaseRef = txRef
		esc.Settlement = &Settlement{Destination: dest, TxRef: txRef, Timestamp: now}
		esc.UpdatedAt = now
		if e.milestonesFullyReleased(esc) {
			esc.Status = StatusReleased
			completed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(newEscrowEvent(EventTypePartialReleased, updated))
	if completed {
		e.emit(newEscrowEvent(EventTypeReleased, updated))
	}
	return updated, nil
}

func (e *Engine) milestonesFullyReleased(esc *Escrow) bool {
	milestones := esc.MilestoneConditions()
	if len(milestones) == 0 {
		return false
	}
	for _, m := range milestones {
		if m.ReleasedAt == nil {
			return false
		}
	}
	return true
}

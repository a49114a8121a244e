package escrow

import (
	"context"
	"strings"
)

// conditionMutable reports whether ordinary condition and approval mutation
// is currently allowed. A dispute freezes both until resolved; terminal
// states admit nothing.
func conditionMutable(s Status) bool {
	switch s {
	case StatusCreated, StatusFunded, StatusPendingRelease:
		return true
	default:
		return false
	}
}

// SatisfyCondition marks a pending condition as satisfied, stamping who
// satisfied it and any supporting evidence, then re-evaluates the escrow's
// gating policy.
func (e *Engine) SatisfyCondition(ctx context.Context, id, conditionID, by, evidence string) (*Escrow, error) {
	return e.mutateCondition(ctx, id, conditionID, "satisfy", func(esc *Escrow, cond *Condition) error {
		now := e.now()
		cond.Status = ConditionSatisfied
		cond.SatisfiedAt = &now
		cond.SatisfiedBy = strings.TrimSpace(by)
		cond.Evidence = strings.TrimSpace(evidence)
		return nil
	})
}

// WaiveCondition marks a pending condition as waived by the given role.
func (e *Engine) WaiveCondition(ctx context.Context, id, conditionID, by string) (*Escrow, error) {
	return e.mutateCondition(ctx, id, conditionID, "waive", func(esc *Escrow, cond *Condition) error {
		now := e.now()
		cond.Status = ConditionWaived
		cond.SatisfiedAt = &now
		cond.SatisfiedBy = strings.TrimSpace(by)
		return nil
	})
}

// FailCondition marks a pending condition as failed. On an earnest-money
// escrow a failed condition flags the record for refund to the payer; the
// refund itself still requires an explicit Refund call.
func (e *Engine) FailCondition(ctx context.Context, id, conditionID, reason string) (*Escrow, error) {
	return e.mutateCondition(ctx, id, conditionID, "fail", func(esc *Escrow, cond *Condition) error {
		cond.Status = ConditionFailed
		cond.FailureReason = strings.TrimSpace(reason)
		if esc.Kind == KindEarnestMoney {
			esc.RefundPending = true
		}
		return nil
	})
}

func (e *Engine) mutateCondition(ctx context.Context, id, conditionID, op string, fn func(*Escrow, *Condition) error) (*Escrow, error) {
	var condID string
	updated, err := e.store.Update(ctx, id, func(esc *Escrow) error {
		if !conditionMutable(esc.Status) {
			return stateErr(esc.ID, op+" condition", esc.Status)
		}
		cond := esc.Condition(conditionID)
		if cond == nil {
			return notFoundErr("escrow %s: condition %s", esc.ID, conditionID)
		}
		if cond.Status != ConditionPending {
			return conditionStateErr(esc.ID, cond.ID, op, cond.Status)
		}
		if err := fn(esc, cond); err != nil {
			return err
		}
		condID = cond.ID
		esc.UpdatedAt = e.now()
		e.evaluateGating(esc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(newConditionEvent(updated, updated.Condition(condID)))
	if updated.Status == StatusPendingRelease {
		e.emit(newEscrowEvent(EventTypePendingRelease, updated))
	}
	return updated, nil
}

// Approve records a role's consent. With a non-empty required approval set
// the role must belong to it; with an empty set any party role may approve.
// A role approves at most once; a duplicate is an error, not a no-op.
// Reaching quorum while funded moves the escrow to pending_release.
func (e *Engine) Approve(ctx context.Context, id, role, note string) (*Escrow, error) {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return nil, validationErr("escrow %s: approval role required", id)
	}
	updated, err := e.store.Update(ctx, id, func(esc *Escrow) error {
		if !conditionMutable(esc.Status) {
			return stateErr(esc.ID, "approve", esc.Status)
		}
		// With an explicit required set only those roles may approve. An
		// empty set opens approval to every party; the majority gate in
		// gatingSatisfied then counts them against all parties.
		if len(esc.RequiredApprovals) > 0 {
			required := false
			for _, r := range esc.RequiredApprovals {
				if r == trimmed {
					required = true
					break
				}
			}
			if !required {
				return unauthorizedErr("escrow %s: role %q is not in the required approval set", esc.ID, trimmed)
			}
		} else if esc.Party(trimmed) == nil {
			return unauthorizedErr("escrow %s: role %q is not a party to the escrow", esc.ID, trimmed)
		}
		if esc.HasApproved(trimmed) {
			return unauthorizedErr("escrow %s: role %q has already approved", esc.ID, trimmed)
		}
		now := e.now()
		esc.Approvals = append(esc.Approvals, Approval{
			Role:      trimmed,
			Approved:  true,
			Timestamp: now,
			Note:      strings.TrimSpace(note),
		})
		esc.UpdatedAt = now
		e.evaluateGating(esc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(newApprovalEvent(updated, trimmed))
	if updated.Status == StatusPendingRelease {
		e.emit(newEscrowEvent(EventTypePendingRelease, updated))
	}
	return updated, nil
}

// evaluateGating applies the automatic funded -> pending_release transition
// when the escrow's release policy is satisfied. Re-evaluating an escrow
// already past funded is a no-op.
func (e *Engine) evaluateGating(esc *Escrow) {
	if esc.Status != StatusFunded {
		return
	}
	if !e.gatingSatisfied(esc) {
		return
	}
	esc.Status = StatusPendingRelease
	esc.UpdatedAt = e.now()
}

func (e *Engine) gatingSatisfied(esc *Escrow) bool {
	switch esc.ReleaseRequires {
	case ReleaseAllConditions, ReleaseConditionBased:
		for i := range esc.Conditions {
			if !esc.Conditions[i].Status.Cleared() {
				return false
			}
		}
		return true
	case ReleaseMajorityApproval:
		if len(esc.RequiredApprovals) > 0 {
			return e.quorumReached(esc)
		}
		return len(esc.Approvals) > len(esc.Parties)/2
	case ReleaseAnyParty:
		milestones := esc.MilestoneConditions()
		if len(milestones) == 0 {
			return false
		}
		for _, m := range milestones {
			if m.Status != ConditionSatisfied {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (e *Engine) quorumReached(esc *Escrow) bool {
	for _, role := range esc.RequiredApprovals {
		if !esc.HasApproved(role) {
			return false
		}
	}
	return true
}

package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ConditionType describes the semantic meaning of a release gate. The type is
// advisory except for milestone accounting: conditions carrying a payout
// allocation participate in the milestone sum invariant and in partial
// releases.
type ConditionType string

const (
	ConditionInspection   ConditionType = "inspection"
	ConditionFinancing    ConditionType = "financing"
	ConditionAppraisal    ConditionType = "appraisal"
	ConditionTitle        ConditionType = "title"
	ConditionClosing      ConditionType = "closing"
	ConditionMoveOut      ConditionType = "move_out"
	ConditionMilestone    ConditionType = "milestone"
	ConditionDelivery     ConditionType = "delivery"
	ConditionApproval     ConditionType = "approval"
	ConditionRevision     ConditionType = "revision"
	ConditionShipping     ConditionType = "shipping"
	ConditionReceipt      ConditionType = "receipt"
	ConditionVerification ConditionType = "verification"
	ConditionDocument     ConditionType = "document"
	ConditionDeadline     ConditionType = "deadline"
	ConditionCustom       ConditionType = "custom"
)

// Valid reports whether the condition type is a supported value.
func (t ConditionType) Valid() bool {
	switch t {
	case ConditionInspection, ConditionFinancing, ConditionAppraisal, ConditionTitle,
		ConditionClosing, ConditionMoveOut, ConditionMilestone, ConditionDelivery,
		ConditionApproval, ConditionRevision, ConditionShipping, ConditionReceipt,
		ConditionVerification, ConditionDocument, ConditionDeadline, ConditionCustom:
		return true
	default:
		return false
	}
}

// ConditionStatus is the lifecycle of a single release gate. Pending is the
// only state from which any other is reachable; satisfied, waived and failed
// never mutate again.
type ConditionStatus string

const (
	ConditionPending   ConditionStatus = "pending"
	ConditionSatisfied ConditionStatus = "satisfied"
	ConditionWaived    ConditionStatus = "waived"
	ConditionFailed    ConditionStatus = "failed"
)

// Valid reports whether the condition status is a supported value.
func (s ConditionStatus) Valid() bool {
	switch s {
	case ConditionPending, ConditionSatisfied, ConditionWaived, ConditionFailed:
		return true
	default:
		return false
	}
}

// Cleared reports whether the condition no longer blocks release.
func (s ConditionStatus) Cleared() bool {
	return s == ConditionSatisfied || s == ConditionWaived
}

// Condition is a named release gate owned by exactly one escrow. Membership
// is fixed at creation time; only the status and its stamps mutate afterward.
type Condition struct {
	ID                string           `json:"id"`
	Description       string           `json:"description"`
	Type              ConditionType    `json:"type"`
	Status            ConditionStatus  `json:"status"`
	Deadline          *time.Time       `json:"deadline,omitempty"`
	ReleaseAmount     *decimal.Decimal `json:"releaseAmount,omitempty"`
	ReleasePercentage *decimal.Decimal `json:"releasePercentage,omitempty"`
	SatisfiedAt       *time.Time       `json:"satisfiedAt,omitempty"`
	SatisfiedBy       string           `json:"satisfiedBy,omitempty"`
	Evidence          string           `json:"evidence,omitempty"`
	FailureReason     string           `json:"failureReason,omitempty"`
	ReleasedAt        *time.Time       `json:"releasedAt,omitempty"`
	ReleaseRef        string           `json:"releaseRef,omitempty"`
}

// Clone returns a deep copy of the condition.
func (c *Condition) Clone() *Condition {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Deadline != nil {
		t := *c.Deadline
		clone.Deadline = &t
	}
	if c.ReleaseAmount != nil {
		d := c.ReleaseAmount.Copy()
		clone.ReleaseAmount = &d
	}
	if c.ReleasePercentage != nil {
		d := c.ReleasePercentage.Copy()
		clone.ReleasePercentage = &d
	}
	if c.SatisfiedAt != nil {
		t := *c.SatisfiedAt
		clone.SatisfiedAt = &t
	}
	if c.ReleasedAt != nil {
		t := *c.ReleasedAt
		clone.ReleasedAt = &t
	}
	return &clone
}

// IsMilestone reports whether the condition carries a payout allocation.
func (c *Condition) IsMilestone() bool {
	return c.ReleaseAmount != nil || c.ReleasePercentage != nil
}

// Validate ensures the condition fields are sane prior to persistence.
func (c *Condition) Validate() error {
	if c == nil {
		return fmt.Errorf("nil condition")
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("condition id required")
	}
	if strings.TrimSpace(c.Description) == "" {
		return fmt.Errorf("condition %s: description required", c.ID)
	}
	if !c.Type.Valid() {
		return fmt.Errorf("condition %s: invalid type %q", c.ID, c.Type)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("condition %s: invalid status %q", c.ID, c.Status)
	}
	if c.ReleaseAmount != nil && c.ReleasePercentage != nil {
		return fmt.Errorf("condition %s: releaseAmount and releasePercentage are mutually exclusive", c.ID)
	}
	if c.ReleaseAmount != nil && c.ReleaseAmount.Sign() <= 0 {
		return fmt.Errorf("condition %s: releaseAmount must be positive", c.ID)
	}
	if c.ReleasePercentage != nil {
		if c.ReleasePercentage.Sign() <= 0 || c.ReleasePercentage.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("condition %s: releasePercentage must be in (0, 100]", c.ID)
		}
	}
	return nil
}

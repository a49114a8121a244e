package escrow

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the vertical an escrow was created for. The kind determines
// default templates and the identifier prefix but not enforcement: conditions
// and approvals are the enforcement mechanism.
type Kind string

const (
	KindEarnestMoney    Kind = "earnest_money"
	KindSecurityDeposit Kind = "security_deposit"
	KindMilestone       Kind = "milestone"
	KindPurchase        Kind = "purchase"
	KindTrade           Kind = "trade"
	KindGeneral         Kind = "general"
)

// Valid reports whether the kind is one of the supported verticals.
func (k Kind) Valid() bool {
	switch k {
	case KindEarnestMoney, KindSecurityDeposit, KindMilestone, KindPurchase, KindTrade, KindGeneral:
		return true
	default:
		return false
	}
}

// Prefix returns the identifier prefix assigned to escrows of this kind.
func (k Kind) Prefix() string {
	switch k {
	case KindEarnestMoney:
		return "ern"
	case KindSecurityDeposit:
		return "dep"
	case KindMilestone:
		return "mil"
	case KindPurchase:
		return "pur"
	case KindTrade:
		return "trd"
	default:
		return "esc"
	}
}

// Status represents the lifecycle states of an escrow. Terminal states are
// Released, Refunded and Cancelled; records in terminal states are retained
// for audit and never deleted by the engine.
type Status string

const (
	StatusCreated        Status = "created"
	StatusFunded         Status = "funded"
	StatusPendingRelease Status = "pending_release"
	StatusReleased       Status = "released"
	StatusRefunded       Status = "refunded"
	StatusDisputed       Status = "disputed"
	StatusCancelled      Status = "cancelled"
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusFunded, StatusPendingRelease, StatusReleased, StatusRefunded, StatusDisputed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

// ReleasePolicy governs how conditions and approvals gate the transition to
// pending_release.
type ReleasePolicy string

const (
	// ReleaseAllConditions authorises release once every condition is
	// satisfied or waived.
	ReleaseAllConditions ReleasePolicy = "all_conditions"
	// ReleaseMajorityApproval gates purely on the required-approval quorum.
	ReleaseMajorityApproval ReleasePolicy = "majority_approval"
	// ReleaseAnyParty lets each milestone condition authorise its own partial
	// release; the whole escrow releases once every milestone has settled.
	ReleaseAnyParty ReleasePolicy = "any_party"
	// ReleaseConditionBased treats the caller-supplied condition set as
	// authoritative with no implicit approval requirement.
	ReleaseConditionBased ReleasePolicy = "condition_based"
)

// Valid reports whether the policy is a supported value.
func (p ReleasePolicy) Valid() bool {
	switch p {
	case ReleaseAllConditions, ReleaseMajorityApproval, ReleaseAnyParty, ReleaseConditionBased:
		return true
	default:
		return false
	}
}

// PayerRoles is the canonical set of role strings recognised as the funding
// side of an escrow. Refunds resolve their destination by locating the first
// party whose role is in this set.
var PayerRoles = map[string]bool{
	"buyer":     true,
	"tenant":    true,
	"depositor": true,
	"payer":     true,
	"client":    true,
}

// Party identifies a participant in an escrow. The role string is the
// addressing mechanism for approvals and refund routing; roles must be unique
// within one escrow.
type Party struct {
	Role    string `json:"role"`
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
	Address string `json:"address,omitempty"`
}

// Approval records a single role's consent to release. A role may approve at
// most once per escrow.
type Approval struct {
	Role      string    `json:"role"`
	Approved  bool      `json:"approved"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note,omitempty"`
}

// Dispute captures an open or resolved dispute raised against a funded
// escrow. While a dispute is open, ordinary condition and approval mutation
// is frozen.
type Dispute struct {
	RaisedBy   string     `json:"raisedBy"`
	Reason     string     `json:"reason"`
	RaisedAt   time.Time  `json:"raisedAt"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Settlement records the outcome of funds moving in either direction. The
// destination is fixed by the first release (partial or full) and reused for
// every subsequent tranche of the same escrow.
type Settlement struct {
	Destination string    `json:"destination"`
	TxRef       string    `json:"txRef"`
	Timestamp   time.Time `json:"timestamp"`
}

// Document is an audit artifact attached to an escrow (contract PDF,
// inspection report, delivery photo). Documents may be attached in any
// status.
type Document struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URI        string    `json:"uri,omitempty"`
	Hash       string    `json:"hash,omitempty"`
	UploadedBy string    `json:"uploadedBy,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Escrow is the central record: a conditional hold of a monetary amount
// between named parties until release conditions and approvals are met. The
// engine never moves funds itself; settlement references arrive from callers
// as already-completed facts.
type Escrow struct {
	ID                string          `json:"id"`
	Kind              Kind            `json:"kind"`
	Status            Status          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Chain             string          `json:"chain,omitempty"`
	Parties           []Party         `json:"parties"`
	Conditions        []Condition     `json:"conditions"`
	ReleaseRequires   ReleasePolicy   `json:"releaseRequires"`
	RequiredApprovals []string        `json:"requiredApprovals"`
	Approvals         []Approval      `json:"approvals"`
	Dispute           *Dispute        `json:"dispute,omitempty"`
	Settlement        *Settlement     `json:"settlement,omitempty"`
	Documents         []Document      `json:"documents,omitempty"`
	FundingRef        string          `json:"fundingRef,omitempty"`
	FundedAt          *time.Time      `json:"fundedAt,omitempty"`
	RefundPending     bool            `json:"refundPending,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if len(e.Parties) > 0 {
		clone.Parties = append([]Party(nil), e.Parties...)
	}
	if len(e.Conditions) > 0 {
		clone.Conditions = make([]Condition, len(e.Conditions))
		for i := range e.Conditions {
			clone.Conditions[i] = *e.Conditions[i].Clone()
		}
	}
	if len(e.RequiredApprovals) > 0 {
		clone.RequiredApprovals = append([]string(nil), e.RequiredApprovals...)
	}
	if len(e.Approvals) > 0 {
		clone.Approvals = append([]Approval(nil), e.Approvals...)
	}
	if len(e.Documents) > 0 {
		clone.Documents = append([]Document(nil), e.Documents...)
	}
	if e.Dispute != nil {
		d := *e.Dispute
		if e.Dispute.ResolvedAt != nil {
			t := *e.Dispute.ResolvedAt
			d.ResolvedAt = &t
		}
		clone.Dispute = &d
	}
	if e.Settlement != nil {
		s := *e.Settlement
		clone.Settlement = &s
	}
	if e.FundedAt != nil {
		t := *e.FundedAt
		clone.FundedAt = &t
	}
	return &clone
}

// Party returns the party with the given role, or nil when absent. Role
// matching is exact after trimming surrounding whitespace.
func (e *Escrow) Party(role string) *Party {
	trimmed := strings.TrimSpace(role)
	for i := range e.Parties {
		if e.Parties[i].Role == trimmed {
			return &e.Parties[i]
		}
	}
	return nil
}

// PayerParty locates the party whose role belongs to the canonical payer set.
// Refunds are rejected rather than guessed when no such party exists.
func (e *Escrow) PayerParty() *Party {
	for i := range e.Parties {
		if PayerRoles[e.Parties[i].Role] {
			return &e.Parties[i]
		}
	}
	return nil
}

// Condition returns the condition with the given identifier, or nil.
func (e *Escrow) Condition(id string) *Condition {
	for i := range e.Conditions {
		if e.Conditions[i].ID == id {
			return &e.Conditions[i]
		}
	}
	return nil
}

// HasApproved reports whether the role already appears in the approval log.
func (e *Escrow) HasApproved(role string) bool {
	for _, a := range e.Approvals {
		if a.Role == role {
			return true
		}
	}
	return false
}

// MilestoneConditions returns the subset of conditions that carry a payout
// allocation, in declaration order.
func (e *Escrow) MilestoneConditions() []*Condition {
	var out []*Condition
	for i := range e.Conditions {
		if e.Conditions[i].IsMilestone() {
			out = append(out, &e.Conditions[i])
		}
	}
	return out
}

// SanitizeEscrow validates and normalises the supplied escrow, returning a
// cloned instance. The original value is never mutated.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	if clone.ID == "" {
		return nil, fmt.Errorf("escrow id required")
	}
	if !clone.Kind.Valid() {
		return nil, fmt.Errorf("invalid escrow kind: %q", clone.Kind)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid escrow status: %q", clone.Status)
	}
	if !clone.ReleaseRequires.Valid() {
		return nil, fmt.Errorf("invalid release policy: %q", clone.ReleaseRequires)
	}
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow amount must be positive, got %s", clone.Amount)
	}
	seen := make(map[string]bool, len(clone.Parties))
	for i := range clone.Parties {
		role := strings.TrimSpace(clone.Parties[i].Role)
		if role == "" {
			return nil, fmt.Errorf("party role required")
		}
		if seen[role] {
			return nil, fmt.Errorf("duplicate party role %q", role)
		}
		seen[role] = true
		clone.Parties[i].Role = role
	}
	condIDs := make(map[string]bool, len(clone.Conditions))
	for i := range clone.Conditions {
		if err := clone.Conditions[i].Validate(); err != nil {
			return nil, err
		}
		if condIDs[clone.Conditions[i].ID] {
			return nil, fmt.Errorf("duplicate condition id %q", clone.Conditions[i].ID)
		}
		condIDs[clone.Conditions[i].ID] = true
	}
	return clone, nil
}

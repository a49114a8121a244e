package escrow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ResolutionOutcome selects how a dispute settles.
type ResolutionOutcome string

const (
	OutcomeRelease ResolutionOutcome = "release"
	OutcomeRefund  ResolutionOutcome = "refund"
)

// Valid reports whether the outcome is a supported value.
func (o ResolutionOutcome) Valid() bool {
	return o == OutcomeRelease || o == OutcomeRefund
}

// CreateParams carries the caller-assembled definition of a new escrow.
// Condition identifiers may be left empty; the engine assigns them.
type CreateParams struct {
	Kind              Kind
	Amount            decimal.Decimal
	Chain             string
	Parties           []Party
	Conditions        []Condition
	ReleaseRequires   ReleasePolicy
	RequiredApprovals []string
	AutoReleaseDays   int
}

// Engine owns the escrow state machine. Every mutating operation is a
// guarded read-modify-write executed inside the store's per-id critical
// section; a guard failure leaves the persisted record untouched. The engine
// never initiates transfers: settlement references are recorded as facts
// supplied by callers.
type Engine struct {
	store     Store
	templates *Registry
	emitter   Emitter
	nowFn     func() time.Time
}

// NewEngine creates an engine bound to the given store, seeded with the
// built-in template registry and a no-op emitter.
func NewEngine(store Store) *Engine {
	return &Engine{
		store:     store,
		templates: NewRegistry(),
		emitter:   NoopEmitter{},
		nowFn:     time.Now,
	}
}

// Templates exposes the registry so callers can add custom templates.
func (e *Engine) Templates() *Registry { return e.templates }

// SetEmitter configures the event emitter. Passing nil resets to a no-op.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = now
}

func (e *Engine) now() time.Time { return e.nowFn().UTC().Truncate(time.Second) }

func (e *Engine) emit(events ...Event) {
	for _, evt := range events {
		e.emitter.Emit(evt)
	}
}

func newEscrowID(kind Kind) string {
	return kind.Prefix() + "_" + uuid.NewString()
}

// Create assembles and persists a new escrow from caller-supplied parts.
func (e *Engine) Create(ctx context.Context, params CreateParams) (*Escrow, error) {
	now := e.now()
	kind := params.Kind
	if kind == "" {
		kind = KindGeneral
	}
	if !kind.Valid() {
		return nil, validationErr("unknown escrow kind %q", params.Kind)
	}
	policy := params.ReleaseRequires
	if policy == "" {
		policy = ReleaseAllConditions
	}
	if !policy.Valid() {
		return nil, validationErr("unknown release policy %q", params.ReleaseRequires)
	}
	if params.Amount.Sign() <= 0 {
		return nil, validationErr("escrow amount must be positive, got %s", params.Amount)
	}
	conditions := make([]Condition, len(params.Conditions))
	for i := range params.Conditions {
		c := *params.Conditions[i].Clone()
		if strings.TrimSpace(c.ID) == "" {
			c.ID = uuid.NewString()
		}
		if c.Status == "" {
			c.Status = ConditionPending
		}
		conditions[i] = c
	}
	if params.AutoReleaseDays > 0 {
		deadline := now.AddDate(0, 0, params.AutoReleaseDays)
		conditions = append(conditions, Condition{
			ID:          uuid.NewString(),
			Description: "Auto-release window elapsed",
			Type:        ConditionDeadline,
			Status:      ConditionPending,
			Deadline:    &deadline,
		})
	}
	if err := ValidateMilestoneSums(params.Amount, conditions); err != nil {
		return nil, err
	}
	roles := make([]string, 0, len(params.RequiredApprovals))
	for _, role := range params.RequiredApprovals {
		if trimmed := strings.TrimSpace(role); trimmed != "" {
			roles = append(roles, trimmed)
		}
	}
	esc := &Escrow{
		ID:                newEscrowID(kind),
		Kind:              kind,
		Status:            StatusCreated,
		Amount:            params.Amount,
		Chain:             strings.TrimSpace(params.Chain),
		Parties:           append([]Party(nil), params.Parties...),
		Conditions:        conditions,
		ReleaseRequires:   policy,
		RequiredApprovals: roles,
		Approvals:         []Approval{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	sanitized, err := SanitizeEscrow(esc)
	if err != nil {
		return nil, validationErr("%s", err)
	}
	if err := e.store.Create(ctx, sanitized); err != nil {
		return nil, err
	}
	e.emit(newEscrowEvent(EventTypeCreated, sanitized))
	return sanitized.Clone(), nil
}

// CreateFromTemplate instantiates a catalog template: its conditions are
// copied with fresh identifiers, the policy and recommended approval roles
// come from the template, and caller-supplied custom conditions are appended.
func (e *Engine) CreateFromTemplate(ctx context.Context, templateName string, amount decimal.Decimal, chain string, parties []Party, custom []Condition) (*Escrow, error) {
	tpl, err := e.templates.Lookup(templateName)
	if err != nil {
		return nil, err
	}
	conditions := make([]Condition, 0, len(tpl.Conditions)+len(custom))
	for _, tc := range tpl.Conditions {
		cond := Condition{
			ID:          uuid.NewString(),
			Description: tc.Description,
			Type:        tc.Type,
			Status:      ConditionPending,
		}
		if tc.ReleasePercentage != nil {
			p := tc.ReleasePercentage.Copy()
			cond.ReleasePercentage = &p
		}
		conditions = append(conditions, cond)
	}
	conditions = append(conditions, custom...)
	return e.Create(ctx, CreateParams{
		Kind:              tpl.Vertical,
		Amount:            amount,
		Chain:             chain,
		Parties:           parties,
		Conditions:        conditions,
		ReleaseRequires:   tpl.ReleaseRequires,
		RequiredApprovals: tpl.ApprovalRoles,
		AutoReleaseDays:   tpl.AutoReleaseDays,
	})
}

// CreateCustom assembles an escrow entirely from caller-supplied parts.
// Milestone allocations, when present, must sum to the total within
// tolerance.
func (e *Engine) CreateCustom(ctx context.Context, params CreateParams) (*Escrow, error) {
	return e.Create(ctx, params)
}

// Get loads a single escrow by identifier.
func (e *Engine) Get(ctx context.Context, id string) (*Escrow, error) {
	return e.store.Get(ctx, id)
}

// List returns escrows matching the filter.
func (e *Engine) List(ctx context.Context, f Filter) ([]*Escrow, error) {
	return e.store.List(ctx, f)
}

// Fund records that the payer's deposit settled on the ledger and moves the
// escrow to funded. Only legal from created.
func (e *Engine) Fund(ctx context.Context, id, ref string) (*Escrow, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, validationErr("escrow %s: funding settlement reference required", id)
	}
	updated, err := e.store.Update(ctx, id, func(esc *Escrow) error {
		if esc.Status != StatusCreated {
			return stateErr(esc.ID, "fund", esc.Status)
		}
		now := e.now()
		esc.Status = StatusFunded
		esc.FundingRef = strings.TrimSpace(ref)
		esc.FundedAt = &now
		esc.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(newEscrowEvent(EventTypeFunded, updated))
	return updated, nil
}

// Release settles the full escrow amount to the destination. Only legal from
// pending_release; requires a destination and an external settlement
// reference. An escrow with partially released milestones cannot be released
// in full: the remaining tranches go through ReleasePartial.
func (e *Engine) Release(ctx context.Context, id, destination, ref string) (*Escrow, error) {
	dest := strings.TrimSpace(destination)
	txRef := strings.TrimSpace(ref)
	if dest == "" {
		return nil, validationErr("escrow %s: release destination required", id)
	}
	if txRef == "" {
		return nil, validationErr("escrow %s: settlement reference required", id)
	}
	updated, err := e.store.Update(ctx, id, func(esc *Escrow) error {
		if esc.Status != StatusPendingRelease {
			return stateErr(esc.ID, "release", esc.Status)
		}
		// Once a tranche has been settled the record can only account for
		// the remaining milestones individually; a full release on top
		// would attest to more than the held amount moving.
		if released := esc.ReleasedTotal(); released.Sign() > 0 {
			return fmt.Errorf("%w: escrow %s: %s already settled by partial releases, release the remaining milestones individually", ErrInvalidState, esc.ID, released)
		}
		e.settle(esc, StatusReleased, dest, txRef)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(newEscrowEvent(EventTypeReleased, updated))
	return updated, nil
}

// Refund returns the held amount to the payer-side party. Legal from funded
// or pending_release. The destination is resolved from the canonical payer
// role set; with no such party the refund is rejected rather than guessed.
func (e *Engine) Refund(ctx context.Context, id, ref string) (*Escrow, error) {
	txRef := strings.TrimSpace(ref)
	if txRef == "" {
		return nil, validationErr("escrow %s: settlement reference required", id)
	}
	updated, err := e.store.Update(ctx, id, func(esc *Escrow) error {
		if esc.Status != StatusFunded && esc.Status != StatusPendingRelease {
			return stateErr(esc.ID, "refund", esc.Status)
		}
		return e.refundTo(esc, txRef)
	})
	if err != nil {
		return nil, err
	}
	e.emit(newEscrowEvent(EventTypeRefunded, updated))
	return updated, nil
}

func (e *Engine) refundTo(esc *Escrow, txRef string) error {
	payer := esc.PayerParty()
	if payer == nil {
		return validationErr("escrow %s: no refund-eligible party among roles", esc.ID)
	}
	if strings.TrimSpace(payer.Address) == "" {
		return validationErr("escrow %s: party %q has no settlement address", esc.ID, payer.Role)
	}
	e.settle(esc, StatusRefunded, payer.Address, txRef)
	esc.RefundPending = false
	return nil
}

// settle stamps the settlement record and final status. Callers are expected
// to have verified the transition guard already.
func (e *Engine) settle(esc *Escrow, status Status, destination, txRef string) {
	now := e.now()
	esc.Status = status
	esc.Settlement = &Settlement{Destination: destination, TxRef: txRef, Timestamp: now}
	esc.UpdatedAt = now
}

// RaiseDispute freezes a funded escrow pending explicit resolution.
func (e *Engine) RaiseDispute(ctx context.Context, id, by, reason string) (*Escrow, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, validationErr("escrow %s: dispute reason required", id)
	}
	updated, err := e.store.Update(ctx, id, func(esc *Escrow) error {
		if esc.Status != StatusFunded {
			return stateErr(esc.ID, "dispute", esc.Status)
		}
		now := e.now()
		esc.Status = StatusDisputed
		esc.Dispute = &Dispute{
			RaisedBy: strings.TrimSpace(by),
			Reason:   strings.TrimSpace(reason),
			RaisedAt: now,
		}
		esc.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(newEscrowEvent(EventTypeDisputed, updated))
	return updated, nil
}

// ResolveDispute records the resolution and routes the held funds according
// to the outcome: release settles to the supplied destination, refund routes
// back to the payer party. Resolution never happens automatically.
func (e *Engine) ResolveDispute(ctx context.Context, id, resolution string, outcome ResolutionOutcome, destination, ref string) (*Escrow, error) {
	if strings.TrimSpace(resolution) == "" {
		return nil, validationErr("escrow %s: resolution text required", id)
	}
	if !outcome.Valid() {
		return nil, validationErr("escrow %s: invalid resolution outcome %q", id, outcome)
	}
	txRef := strings.TrimSpace(ref)
	if txRef == "" {
		return nil, validationErr("escrow %s: settlement reference required", id)
	}
	dest := strings.TrimSpace(destination)
	if outcome == OutcomeRelease && dest == "" {
		return nil, validationErr("escrow %s: release destination required", id)
	}
	updated, err := e.store.Update(ctx, id, func(esc *Escrow) error {
		if esc.Status != StatusDisputed {
			return stateErr(esc.ID, "resolve", esc.Status)
		}
		now := e.now()
		esc.Dispute.Resolution = strings.TrimSpace(resolution)
		esc.Dispute.ResolvedAt = &now
		if outcome == OutcomeRelease {
			e.settle(esc, StatusReleased, dest, txRef)
			return nil
		}
		return e.refundTo(esc, txRef)
	})
	if err != nil {
		return nil, err
	}
	e.emit(newEscrowEvent(EventTypeResolved, updated))
	return updated, nil
}

// Cancel voids an escrow before any funds have moved. Only legal from
// created.
func (e *Engine) Cancel(ctx context.Context, id string) (*Escrow, error) {
	updated, err := e.store.Update(ctx, id, func(esc *Escrow) error {
		if esc.Status != StatusCreated {
			return stateErr(esc.ID, "cancel", esc.Status)
		}
		esc.Status = StatusCancelled
		esc.UpdatedAt = e.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(newEscrowEvent(EventTypeCancelled, updated))
	return updated, nil
}

// AddDocument attaches an audit document. Legal in any status: receipts and
// resolutions routinely arrive after settlement.
func (e *Engine) AddDocument(ctx context.Context, id string, doc Document) (*Escrow, error) {
	if strings.TrimSpace(doc.Name) == "" {
		return nil, validationErr("escrow %s: document name required", id)
	}
	var added Document
	updated, err := e.store.Update(ctx, id, func(esc *Escrow) error {
		if strings.TrimSpace(doc.ID) == "" {
			doc.ID = uuid.NewString()
		}
		doc.UploadedAt = e.now()
		esc.Documents = append(esc.Documents, doc)
		esc.UpdatedAt = doc.UploadedAt
		added = doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(newDocumentEvent(updated, &added))
	return updated, nil
}

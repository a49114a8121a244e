package escrow

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// TemplateCondition is the blueprint for a condition seeded from a template.
// Blueprints carry no identifier or status; both are assigned when the
// template is instantiated into a concrete escrow.
type TemplateCondition struct {
	Description       string
	Type              ConditionType
	ReleasePercentage *decimal.Decimal
}

// Template is a read-only catalog entry describing how escrows of one
// vertical are assembled: default conditions, release policy, recommended
// approval roles and an optional auto-release window. Templates are copied
// into new escrows at creation, never referenced live.
type Template struct {
	Name            string
	Vertical        Kind
	Conditions      []TemplateCondition
	ReleaseRequires ReleasePolicy
	ApprovalRoles   []string
	AutoReleaseDays int
}

// Registry is a catalog of named escrow templates. Lookup is by exact name
// after trimming; registration of a duplicate name replaces the entry.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewRegistry returns a registry seeded with the built-in vertical templates.
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]*Template)}
	for _, tpl := range builtinTemplates() {
		r.Register(tpl)
	}
	return r
}

// Register adds or replaces a template in the catalog.
func (r *Registry) Register(tpl *Template) {
	if tpl == nil {
		return
	}
	name := strings.TrimSpace(tpl.Name)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[name] = tpl
}

// Lookup returns the template with the given name.
func (r *Registry) Lookup(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.templates[strings.TrimSpace(name)]
	if !ok {
		return nil, notFoundErr("template %q", name)
	}
	return tpl, nil
}

// Names lists the registered template names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	return names
}

func builtinTemplates() []*Template {
	return []*Template{
		{
			Name:     "earnest-money",
			Vertical: KindEarnestMoney,
			Conditions: []TemplateCondition{
				{Description: "Property inspection completed", Type: ConditionInspection},
				{Description: "Financing approved", Type: ConditionFinancing},
				{Description: "Appraisal meets purchase price", Type: ConditionAppraisal},
				{Description: "Clear title confirmed", Type: ConditionTitle},
				{Description: "Closing completed", Type: ConditionClosing},
			},
			ReleaseRequires: ReleaseAllConditions,
			ApprovalRoles:   []string{"buyer", "seller"},
		},
		{
			Name:     "security-deposit",
			Vertical: KindSecurityDeposit,
			Conditions: []TemplateCondition{
				{Description: "Tenant moved out, unit inspected", Type: ConditionMoveOut},
			},
			ReleaseRequires: ReleaseConditionBased,
			ApprovalRoles:   []string{"landlord"},
			AutoReleaseDays: 30,
		},
		{
			Name:     "freelance-milestones",
			Vertical: KindMilestone,
			Conditions: []TemplateCondition{
				{Description: "First deliverable accepted", Type: ConditionMilestone, ReleasePercentage: pct(50)},
				{Description: "Final deliverable accepted", Type: ConditionMilestone, ReleasePercentage: pct(50)},
			},
			ReleaseRequires: ReleaseAnyParty,
			ApprovalRoles:   []string{"client"},
		},
		{
			Name:     "purchase",
			Vertical: KindPurchase,
			Conditions: []TemplateCondition{
				{Description: "Order shipped", Type: ConditionShipping},
				{Description: "Delivery confirmed", Type: ConditionDelivery},
				{Description: "Goods accepted by buyer", Type: ConditionReceipt},
			},
			ReleaseRequires: ReleaseAllConditions,
			ApprovalRoles:   []string{"buyer"},
		},
		{
			Name:     "trade",
			Vertical: KindTrade,
			Conditions: []TemplateCondition{
				{Description: "Counterparty asset verified", Type: ConditionVerification},
			},
			ReleaseRequires: ReleaseMajorityApproval,
			ApprovalRoles:   []string{"buyer", "seller"},
		},
		{
			Name:            "general",
			Vertical:        KindGeneral,
			ReleaseRequires: ReleaseMajorityApproval,
		},
	}
}

func pct(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

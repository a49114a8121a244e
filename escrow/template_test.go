package escrow

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestRegistrySeedsBuiltins(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"earnest-money", "security-deposit", "freelance-milestones", "purchase", "trade", "general"} {
		tpl, err := reg.Lookup(name)
		if err != nil {
			t.Fatalf("builtin %q missing: %v", name, err)
		}
		if !tpl.Vertical.Valid() || !tpl.ReleaseRequires.Valid() {
			t.Fatalf("builtin %q carries invalid enums: %+v", name, tpl)
		}
	}
	if len(reg.Names()) != 6 {
		t.Fatalf("expected 6 builtins, got %v", reg.Names())
	}
}

func TestRegistryLookupUnknown(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Lookup("no-such"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := reg.Lookup("  earnest-money  "); err != nil {
		t.Fatalf("lookup must trim: %v", err)
	}
}

func TestRegistryRegisterReplaces(t *testing.T) {
	reg := NewRegistry()
	custom := &Template{
		Name:            "trade",
		Vertical:        KindTrade,
		ReleaseRequires: ReleaseAllConditions,
	}
	reg.Register(custom)
	got, err := reg.Lookup("trade")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ReleaseRequires != ReleaseAllConditions {
		t.Fatalf("replacement not applied")
	}
	reg.Register(&Template{Name: "  "})
	if len(reg.Names()) != 6 {
		t.Fatalf("blank-name template registered")
	}
}

func TestFreelanceMilestonesSumToFullAmount(t *testing.T) {
	reg := NewRegistry()
	tpl, err := reg.Lookup("freelance-milestones")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	sum := decimal.Zero
	for _, tc := range tpl.Conditions {
		if tc.ReleasePercentage == nil {
			t.Fatalf("milestone blueprint missing percentage: %+v", tc)
		}
		sum = sum.Add(*tc.ReleasePercentage)
	}
	if !sum.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("milestone percentages sum to %s, want 100", sum)
	}
}

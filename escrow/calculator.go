package escrow

import "github.com/shopspring/decimal"

// SumTolerance is the rounding slack permitted between the escrow amount and
// the sum of its milestone payouts (one cent).
var SumTolerance = decimal.New(1, -2)

var hundred = decimal.NewFromInt(100)

// Payout computes the absolute amount a milestone condition releases against
// the escrow's original total. Percentages always resolve against the
// original total, never a remaining balance. Non-milestone conditions pay
// zero.
func (c *Condition) Payout(total decimal.Decimal) decimal.Decimal {
	switch {
	case c.ReleaseAmount != nil:
		return *c.ReleaseAmount
	case c.ReleasePercentage != nil:
		return total.Mul(*c.ReleasePercentage).Div(hundred)
	default:
		return decimal.Zero
	}
}

// ValidateMilestoneSums checks that the payouts of all milestone-bearing
// conditions sum to the escrow total within SumTolerance. Condition sets with
// no payout allocations pass trivially. On violation the error names the
// computed sum and the expected total; the discrepancy is never silently
// rounded away.
func ValidateMilestoneSums(total decimal.Decimal, conditions []Condition) error {
	sum := decimal.Zero
	found := false
	for i := range conditions {
		if !conditions[i].IsMilestone() {
			continue
		}
		found = true
		sum = sum.Add(conditions[i].Payout(total))
	}
	if !found {
		return nil
	}
	if sum.Sub(total).Abs().GreaterThan(SumTolerance) {
		return validationErr("milestone payouts sum to %s, expected %s", sum, total)
	}
	return nil
}

// ReleasedTotal sums the payouts of milestone conditions that have already
// been settled by partial releases.
func (e *Escrow) ReleasedTotal() decimal.Decimal {
	sum := decimal.Zero
	for i := range e.Conditions {
		c := &e.Conditions[i]
		if c.IsMilestone() && c.ReleasedAt != nil {
			sum = sum.Add(c.Payout(e.Amount))
		}
	}
	return sum
}

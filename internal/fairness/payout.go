package fairness

import (
	"fmt"

	"github.com/shopspring/decimal"

	"fairbet-gateway/internal/models"
)

// Settlement is the win/loss verdict and payout for one resolved bet.
type Settlement struct {
	IsWin      bool            `json:"isWin"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
}

// PayoutTable holds the house parameters of each variant.
type PayoutTable struct {
	DiceMultiplier  decimal.Decimal
	MatrixHouseEdge decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// DefaultPayoutTable: dice pays 8x on a 1/8 chance, matrix keeps a 1% edge.
var DefaultPayoutTable = PayoutTable{
	DiceMultiplier:  decimal.NewFromInt(DiceFaces),
	MatrixHouseEdge: decimal.RequireFromString("0.01"),
}

// CalculateOutcome settles a bet against the default table.
func CalculateOutcome(variant models.GameVariant, target decimal.Decimal, rolled float64, betAmount decimal.Decimal) (Settlement, error) {
	return DefaultPayoutTable.Calculate(variant, target, rolled, betAmount)
}

// Calculate applies the variant's win predicate and payout rule.
//
// Crash pays at the player's cash-out target, not at the rolled crash point:
// the player leaves the round when the target is reached.
func (t PayoutTable) Calculate(variant models.GameVariant, target decimal.Decimal, rolled float64, betAmount decimal.Decimal) (Settlement, error) {
	r := decimal.NewFromFloat(rolled)

	var win bool
	var multiplier decimal.Decimal

	switch variant {
	case models.GameVariantDice:
		win = r.Equal(target)
		multiplier = t.DiceMultiplier
	case models.GameVariantMatrix:
		if !target.IsPositive() {
			return Settlement{}, fmt.Errorf("matrix target must be positive")
		}
		win = r.LessThan(target)
		multiplier = hundred.Div(target).Mul(decimal.NewFromInt(1).Sub(t.MatrixHouseEdge)).Round(4)
	case models.GameVariantCrash:
		win = r.GreaterThanOrEqual(target)
		multiplier = target
	default:
		return Settlement{}, fmt.Errorf("unsupported game variant: %s", variant)
	}

	payout := decimal.Zero
	if win {
		payout = models.CalculatePayout(betAmount, multiplier)
	}
	return Settlement{IsWin: win, Multiplier: multiplier, Payout: payout}, nil
}

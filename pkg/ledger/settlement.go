package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// HouseCut is the fraction of a pot withheld from distribution, in [0, 1).
type HouseCut struct {
	value decimal.Decimal
}

// NewHouseCut validates a house cut fraction.
func NewHouseCut(value decimal.Decimal) (HouseCut, error) {
	if value.IsNegative() || value.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return HouseCut{}, fmt.Errorf("%w: %s must be within [0, 1)", ErrInvalidHouseCut, value.String())
	}
	return HouseCut{value: value}, nil
}

// ParseHouseCut parses a decimal fraction such as "0.10"; empty input means no cut.
func ParseHouseCut(raw string) (HouseCut, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return HouseCut{}, nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return HouseCut{}, fmt.Errorf("%w: %v", ErrInvalidHouseCut, err)
	}
	return NewHouseCut(value)
}

// Decimal returns the fraction.
func (cut HouseCut) Decimal() decimal.Decimal {
	return cut.value
}

// String returns the fraction in canonical decimal form.
func (cut HouseCut) String() string {
	return cut.value.String()
}

// Distributable returns floor(pot * (1 - cut)).
func (cut HouseCut) Distributable(pot int64) int64 {
	if pot <= 0 {
		return 0
	}
	return decimal.NewFromInt(pot).Mul(decimal.NewFromInt(1).Sub(cut.value)).Floor().IntPart()
}

// computeSettlement partitions the bets of a pool and computes per-winner payouts.
// Only locked bets on the winning option win; unlocked bets are forfeited.
// Payouts are floor(distributable * stake / winningStake); the remainder is retained.
func computeSettlement(pool Pool, bets []Bet, winningOptionID string, cut HouseCut) SettlementResult {
	result := SettlementResult{
		PoolID:          pool.ID,
		WinningOptionID: winningOptionID,
		HouseCut:        cut.Decimal(),
		Pot:             pool.TotalStaked,
		Distributable:   cut.Distributable(pool.TotalStaked),
		Payouts:         []Payout{},
	}
	winners := make([]Bet, 0, len(bets))
	for _, bet := range bets {
		if !bet.Locked() {
			result.Forfeited++
			continue
		}
		if bet.OptionID == winningOptionID {
			winners = append(winners, bet)
			result.WinningStake += bet.Amount
		}
	}
	if result.WinningStake == 0 {
		result.Retained = result.Pot
		return result
	}
	sort.Slice(winners, func(left, right int) bool {
		if winners[left].AccountID.String() != winners[right].AccountID.String() {
			return winners[left].AccountID.String() < winners[right].AccountID.String()
		}
		return winners[left].ID < winners[right].ID
	})
	distributable := big.NewInt(result.Distributable)
	winningStake := big.NewInt(result.WinningStake)
	for _, winner := range winners {
		share := new(big.Int).Mul(distributable, big.NewInt(winner.Amount))
		share.Quo(share, winningStake)
		payout := Payout{
			BetID:     winner.ID,
			AccountID: winner.AccountID,
			Stake:     winner.Amount,
			Amount:    share.Int64(),
		}
		result.Paid += payout.Amount
		result.Payouts = append(result.Payouts, payout)
	}
	result.Retained = result.Pot - result.Paid
	return result
}

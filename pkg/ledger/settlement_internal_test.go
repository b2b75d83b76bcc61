package ledger

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseHouseCut(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		raw      string
		expected string
		err      error
	}{
		{raw: "", expected: "0"},
		{raw: "0.25", expected: "0.25"},
		{raw: " 0.1 ", expected: "0.1"},
		{raw: "1", err: ErrInvalidHouseCut},
		{raw: "-0.01", err: ErrInvalidHouseCut},
		{raw: "ten", err: ErrInvalidHouseCut},
	}
	for _, testCase := range testCases {
		cut, err := ParseHouseCut(testCase.raw)
		if testCase.err != nil {
			if !errors.Is(err, testCase.err) {
				test.Fatalf("%q: expected %v, got %v", testCase.raw, testCase.err, err)
			}
			continue
		}
		if err != nil {
			test.Fatalf("%q: unexpected error %v", testCase.raw, err)
		}
		if cut.String() != testCase.expected {
			test.Fatalf("%q: expected %s, got %s", testCase.raw, testCase.expected, cut.String())
		}
	}
}

func TestComputeSettlementKeepsRoundingDust(test *testing.T) {
	test.Parallel()
	lockedAt := time.Unix(0, 0)
	pool := Pool{ID: "pool", TotalStaked: 10}
	bets := []Bet{
		{ID: "c", AccountID: AccountID{value: "carol"}, OptionID: "win", Amount: 1, LockedAt: &lockedAt},
		{ID: "a", AccountID: AccountID{value: "alice"}, OptionID: "win", Amount: 1, LockedAt: &lockedAt},
		{ID: "b", AccountID: AccountID{value: "bob"}, OptionID: "win", Amount: 1, LockedAt: &lockedAt},
		{ID: "d", AccountID: AccountID{value: "dave"}, OptionID: "lose", Amount: 7, LockedAt: &lockedAt},
	}

	result := computeSettlement(pool, bets, "win", HouseCut{})
	if result.Distributable != 10 || result.WinningStake != 3 {
		test.Fatalf("unexpected totals: %+v", result)
	}
	if len(result.Payouts) != 3 {
		test.Fatalf("expected three payouts, got %d", len(result.Payouts))
	}
	for index, expectedAccount := range []string{"alice", "bob", "carol"} {
		payout := result.Payouts[index]
		if payout.AccountID.String() != expectedAccount || payout.Amount != 3 {
			test.Fatalf("payout %d: expected %s with 3, got %+v", index, expectedAccount, payout)
		}
	}
	if result.Paid != 9 || result.Retained != 1 {
		test.Fatalf("expected one point of dust retained, got paid %d retained %d", result.Paid, result.Retained)
	}
}

func TestComputeSettlementAvoidsOverflow(test *testing.T) {
	test.Parallel()
	lockedAt := time.Unix(0, 0)
	half := int64(math.MaxInt64 / 2)
	pool := Pool{ID: "pool", TotalStaked: half * 2}
	bets := []Bet{
		{ID: "a", AccountID: AccountID{value: "alice"}, OptionID: "win", Amount: half, LockedAt: &lockedAt},
		{ID: "b", AccountID: AccountID{value: "bob"}, OptionID: "lose", Amount: half, LockedAt: &lockedAt},
	}

	result := computeSettlement(pool, bets, "win", HouseCut{})
	if len(result.Payouts) != 1 || result.Payouts[0].Amount != half*2 {
		test.Fatalf("expected the whole pot paid without overflow, got %+v", result)
	}
}

func TestOwedAmountFloorsInterest(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		principal int64
		rate      string
		expected  int64
	}{
		{principal: 1000, rate: "0.05", expected: 1050},
		{principal: 999, rate: "0.05", expected: 1048},
		{principal: 10, rate: "0", expected: 10},
		{principal: 3, rate: "0.333", expected: 3},
	}
	for _, testCase := range testCases {
		rate := decimal.RequireFromString(testCase.rate)
		if owed := OwedAmount(testCase.principal, rate); owed != testCase.expected {
			test.Fatalf("%d at %s: expected %d, got %d", testCase.principal, testCase.rate, testCase.expected, owed)
		}
	}
}

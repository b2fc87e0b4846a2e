package folder

import (
	"time"

	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/shopspring/decimal"
)

// The functions in this file are the pure part of folding: counters in, counters
// out. They never touch storage, so each one is unit-testable on its own.

// ApplyClaim books one claim. The returned interval is the time since the
// beneficiary's previous claim in seconds, or zero for a first or out-of-order claim.
func ApplyClaim(b ledger.BeneficiaryState, c ledger.CommunityState, amount decimal.Decimal, at time.Time) (ledger.BeneficiaryState, ledger.CommunityState, int64) {
	var interval int64
	at = at.UTC()

	b.ClaimsCount++
	b.CumulativeClaimed = b.CumulativeClaimed.Add(amount)

	switch {
	case b.LastClaimAt == nil:
		b.LastClaimAt = timePtr(at)
	case !at.Before(*b.LastClaimAt):
		interval = int64(at.Sub(*b.LastClaimAt) / time.Second)
		b.PenultimateClaimAt = b.LastClaimAt
		b.LastClaimAt = timePtr(at)
	default:
		// Late delivery: keep penultimate <= last.
		if b.PenultimateClaimAt == nil || at.After(*b.PenultimateClaimAt) {
			b.PenultimateClaimAt = timePtr(at)
		}
	}

	c.ClaimsCount++
	c.ClaimedAmount = c.ClaimedAmount.Add(amount)
	c.UpdatedAt = maxTime(c.UpdatedAt, at)
	return b, c, interval
}

// ApplyDonation books funds raised by a community.
func ApplyDonation(c ledger.CommunityState, amount decimal.Decimal, newBacker bool, at time.Time) ledger.CommunityState {
	c.RaisedAmount = c.RaisedAmount.Add(amount)
	if newBacker {
		c.BackersCount++
	}
	c.UpdatedAt = maxTime(c.UpdatedAt, at.UTC())
	return c
}

// ApplyTransfer books an in-community transfer sent by a beneficiary.
func ApplyTransfer(c ledger.CommunityState, amount decimal.Decimal, at time.Time) ledger.CommunityState {
	c.Volume = c.Volume.Add(amount)
	c.TransactionsCount++
	c.UpdatedAt = maxTime(c.UpdatedAt, at.UTC())
	return c
}

// ApplyMembership activates or deactivates a beneficiary. Repeated adds or
// removes leave the counters unchanged.
func ApplyMembership(b ledger.BeneficiaryState, c ledger.CommunityState, active bool, at time.Time) (ledger.BeneficiaryState, ledger.CommunityState, bool) {
	if b.Active == active {
		return b, c, false
	}
	at = at.UTC()
	b.Active = active
	if active {
		b.AddedAt = timePtr(at)
		b.RemovedAt = nil
		c.BeneficiariesCount++
	} else {
		b.RemovedAt = timePtr(at)
		if c.BeneficiariesCount > 0 {
			c.BeneficiariesCount--
		}
	}
	c.UpdatedAt = maxTime(c.UpdatedAt, at)
	return b, c, true
}

// ApplyManagers shifts the manager count, never below zero.
func ApplyManagers(c ledger.CommunityState, delta int64, at time.Time) ledger.CommunityState {
	c.ManagersCount += delta
	if c.ManagersCount < 0 {
		c.ManagersCount = 0
	}
	c.UpdatedAt = maxTime(c.UpdatedAt, at.UTC())
	return c
}

// ApplyPolicy replaces the claim interval policy. Zero values keep the current setting.
func ApplyPolicy(c ledger.CommunityState, base, increment int64, at time.Time) ledger.CommunityState {
	if base > 0 {
		c.BaseInterval = base
	}
	if increment > 0 {
		c.IncrementInterval = increment
	}
	c.UpdatedAt = maxTime(c.UpdatedAt, at.UTC())
	return c
}

func timePtr(t time.Time) *time.Time { return &t }

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

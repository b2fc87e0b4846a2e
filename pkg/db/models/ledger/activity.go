package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActivityKind classifies an attributed ledger fact.
type ActivityKind string

const (
	ActivityClaim              ActivityKind = "claim"
	ActivityDonation           ActivityKind = "donation"
	ActivityOutflow            ActivityKind = "outflow"
	ActivityTransfer           ActivityKind = "transfer"
	ActivityBeneficiaryAdded   ActivityKind = "beneficiary_added"
	ActivityBeneficiaryRemoved ActivityKind = "beneficiary_removed"
	ActivityManagerAdded       ActivityKind = "manager_added"
	ActivityManagerRemoved     ActivityKind = "manager_removed"
	ActivityCommunityAdded     ActivityKind = "community_added"
	ActivityCommunityRemoved   ActivityKind = "community_removed"
	ActivityPolicyChanged      ActivityKind = "policy_changed"
)

// Activity attributes one ledger entry to a community. Raw token transfers are
// keyed by the token contract, so rollups read a day's ledger range through
// these rows rather than through the raw contract address.
type Activity struct {
	EntryID                 string          `json:"entry_id"`
	Community               string          `json:"community"`
	Kind                    ActivityKind    `json:"kind"`
	Actor                   string          `json:"actor"`
	Counterparty            string          `json:"counterparty,omitempty"`
	Amount                  decimal.Decimal `json:"amount"`
	OccurredAt              time.Time       `json:"occurred_at"`
	IntervalSeconds         int64           `json:"interval_seconds,omitempty"`
	ExpectedIntervalSeconds int64           `json:"expected_interval_seconds,omitempty"`
}

// ActivityFilter selects activities for a community in [From, To).
type ActivityFilter struct {
	Community string
	From      time.Time
	To        time.Time
	Kinds     []ActivityKind
	// Limit keeps the newest N rows when positive.
	Limit int
}

package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// CommunityDailyState is the materialized per-day snapshot of a community.
type CommunityDailyState struct {
	Community          string          `json:"community"`
	Date               time.Time       `json:"date"`
	ClaimedAmount      decimal.Decimal `json:"claimed_amount"`
	ClaimsCount        int64           `json:"claims_count"`
	RaisedAmount       decimal.Decimal `json:"raised_amount"`
	BackersCount       int64           `json:"backers_count"`
	Volume             decimal.Decimal `json:"volume"`
	TransactionsCount  int64           `json:"transactions_count"`
	BeneficiariesCount int64           `json:"beneficiaries_count"`
	ManagersCount      int64           `json:"managers_count"`
	FundingRate        decimal.Decimal `json:"funding_rate"`
	Closed             bool            `json:"closed"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Day truncates t to the calendar day in loc and returns it as a UTC-labelled date.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.UTC)
}

// Date keeps the calendar fields of t as written, whatever its location.
func Date(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DayBounds returns the instants [start, end) covering the calendar day in loc.
func DayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	end := time.Date(day.Year(), day.Month(), day.Day()+1, 0, 0, 0, 0, loc)
	return start.UTC(), end.UTC()
}

package rollup

import (
	"time"

	"github.com/impactmarket/ledgerx/pkg/db/models/ledger"
	"github.com/shopspring/decimal"
)

// Levels are the end-of-day stock counts carried from one day to the next.
type Levels struct {
	Beneficiaries int64
	Managers      int64
}

// membershipKinds move Levels; everything else is a flow of the day.
var membershipKinds = []ledger.ActivityKind{
	ledger.ActivityBeneficiaryAdded,
	ledger.ActivityBeneficiaryRemoved,
	ledger.ActivityManagerAdded,
	ledger.ActivityManagerRemoved,
	ledger.ActivityCommunityAdded,
}

// Aggregate folds one day of activities into a daily row. Levels are the counts
// at the start of the day; the row gets the counts at its end.
func Aggregate(community string, day time.Time, acts []ledger.Activity, start Levels, epsilon decimal.Decimal, places int32) ledger.CommunityDailyState {
	row := ledger.CommunityDailyState{
		Community:     community,
		Date:          day,
		ClaimedAmount: decimal.Zero,
		RaisedAmount:  decimal.Zero,
		Volume:        decimal.Zero,
	}
	backers := map[string]struct{}{}
	levels := start

	for _, a := range acts {
		switch a.Kind {
		case ledger.ActivityClaim:
			row.ClaimsCount++
			row.ClaimedAmount = row.ClaimedAmount.Add(a.Amount)
		case ledger.ActivityDonation:
			row.RaisedAmount = row.RaisedAmount.Add(a.Amount)
			backers[a.Actor] = struct{}{}
		case ledger.ActivityTransfer:
			row.Volume = row.Volume.Add(a.Amount)
			row.TransactionsCount++
		default:
			levels = applyLevels(levels, a)
		}
	}

	row.BackersCount = int64(len(backers))
	row.BeneficiariesCount = levels.Beneficiaries
	row.ManagersCount = levels.Managers
	row.FundingRate = FundingRate(row.RaisedAmount, row.ClaimedAmount, epsilon, places)
	return row
}

// LevelsAt replays membership activities. Used when no earlier row exists to carry from.
func LevelsAt(acts []ledger.Activity) Levels {
	var l Levels
	for _, a := range acts {
		l = applyLevels(l, a)
	}
	return l
}

func applyLevels(l Levels, a ledger.Activity) Levels {
	switch a.Kind {
	case ledger.ActivityBeneficiaryAdded:
		l.Beneficiaries++
	case ledger.ActivityBeneficiaryRemoved:
		l.Beneficiaries = max(l.Beneficiaries-1, 0)
	case ledger.ActivityManagerAdded:
		l.Managers++
	case ledger.ActivityManagerRemoved:
		l.Managers = max(l.Managers-1, 0)
	case ledger.ActivityCommunityAdded:
		l.Managers += a.Amount.IntPart()
	}
	return l
}

// FundingRate is raised / (claimed + epsilon), rounded to places.
func FundingRate(raised, claimed, epsilon decimal.Decimal, places int32) decimal.Decimal {
	denom := claimed.Add(epsilon)
	if denom.IsZero() {
		return decimal.Zero
	}
	return raised.Div(denom).Round(places)
}

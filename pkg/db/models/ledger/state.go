package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// CheckpointKey is the only key tracked per source today.
const CheckpointKey = "lastBlock"

// Checkpoint records ingestion progress for one chain source.
type Checkpoint struct {
	Source    string    `json:"source"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeneficiaryState holds running claim counters per (community, beneficiary).
type BeneficiaryState struct {
	Community          string          `json:"community"`
	Beneficiary        string          `json:"beneficiary"`
	ClaimsCount        int64           `json:"claims_count"`
	CumulativeClaimed  decimal.Decimal `json:"cumulative_claimed"`
	LastClaimAt        *time.Time      `json:"last_claim_at,omitempty"`
	PenultimateClaimAt *time.Time      `json:"penultimate_claim_at,omitempty"`
	Active             bool            `json:"active"`
	AddedAt            *time.Time      `json:"added_at,omitempty"`
	RemovedAt          *time.Time      `json:"removed_at,omitempty"`
}

// Key identifies the state row.
func (b BeneficiaryState) Key() string { return b.Community + "/" + b.Beneficiary }

// CommunityState holds the running community counters maintained by the folder.
type CommunityState struct {
	Community          string          `json:"community"`
	Active             bool            `json:"active"`
	Timezone           string          `json:"timezone"`
	BaseInterval       int64           `json:"base_interval"`
	IncrementInterval  int64           `json:"increment_interval"`
	ClaimedAmount      decimal.Decimal `json:"claimed_amount"`
	ClaimsCount        int64           `json:"claims_count"`
	RaisedAmount       decimal.Decimal `json:"raised_amount"`
	BackersCount       int64           `json:"backers_count"`
	Volume             decimal.Decimal `json:"volume"`
	TransactionsCount  int64           `json:"transactions_count"`
	BeneficiariesCount int64           `json:"beneficiaries_count"`
	ManagersCount      int64           `json:"managers_count"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// PolicyChange records the expected claim interval in force from EffectiveAt.
type PolicyChange struct {
	Community         string    `json:"community"`
	EffectiveAt       time.Time `json:"effective_at"`
	BaseInterval      int64     `json:"base_interval"`
	IncrementInterval int64     `json:"increment_interval"`
	EntryID           string    `json:"entry_id"`
}

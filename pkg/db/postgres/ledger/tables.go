package ledger

import "context"

func (db *DB) initLedgerEntries(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			tx_hash TEXT NOT NULL,
			block_number BIGINT NOT NULL,
			log_index INTEGER NOT NULL DEFAULT 0,
			observed_at TIMESTAMP WITH TIME ZONE NOT NULL,
			from_address TEXT NOT NULL DEFAULT '',
			contract_address TEXT NOT NULL,
			event_name TEXT NOT NULL,
			payload JSONB NOT NULL,
			folded BOOLEAN NOT NULL DEFAULT FALSE,
			inserted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_entries_block ON ledger_entries(block_number, log_index);
		CREATE INDEX IF NOT EXISTS idx_ledger_entries_unfolded ON ledger_entries(block_number) WHERE NOT folded;
	`
	return db.Exec(ctx, query)
}

// purged_entries keeps the fingerprints of purged rows for deduplication.
func (db *DB) initPurgedEntries(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS purged_entries (
			id TEXT PRIMARY KEY,
			block_number BIGINT NOT NULL,
			purged_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`
	return db.Exec(ctx, query)
}

func (db *DB) initCheckpoints(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			source TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (source, key)
		)
	`
	return db.Exec(ctx, query)
}

func (db *DB) initBeneficiaryStates(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS beneficiary_states (
			community TEXT NOT NULL,
			beneficiary TEXT NOT NULL,
			claims_count BIGINT NOT NULL DEFAULT 0,
			cumulative_claimed NUMERIC NOT NULL DEFAULT 0,
			last_claim_at TIMESTAMP WITH TIME ZONE,
			penultimate_claim_at TIMESTAMP WITH TIME ZONE,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			added_at TIMESTAMP WITH TIME ZONE,
			removed_at TIMESTAMP WITH TIME ZONE,
			PRIMARY KEY (community, beneficiary),
			CHECK (penultimate_claim_at IS NULL OR penultimate_claim_at <= last_claim_at)
		);

		CREATE INDEX IF NOT EXISTS idx_beneficiary_states_active ON beneficiary_states(beneficiary) WHERE active;
	`
	return db.Exec(ctx, query)
}

func (db *DB) initCommunityStates(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS community_states (
			community TEXT PRIMARY KEY,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			base_interval BIGINT NOT NULL DEFAULT 0,
			increment_interval BIGINT NOT NULL DEFAULT 0,
			claimed_amount NUMERIC NOT NULL DEFAULT 0,
			claims_count BIGINT NOT NULL DEFAULT 0,
			raised_amount NUMERIC NOT NULL DEFAULT 0,
			backers_count BIGINT NOT NULL DEFAULT 0,
			volume NUMERIC NOT NULL DEFAULT 0,
			transactions_count BIGINT NOT NULL DEFAULT 0,
			beneficiaries_count BIGINT NOT NULL DEFAULT 0,
			managers_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)
	`
	return db.Exec(ctx, query)
}

func (db *DB) initCommunityBackers(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS community_backers (
			community TEXT NOT NULL,
			backer TEXT NOT NULL,
			first_seen_at TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY (community, backer)
		)
	`
	return db.Exec(ctx, query)
}

func (db *DB) initActivities(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS activities (
			entry_id TEXT NOT NULL,
			community TEXT NOT NULL,
			kind TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			counterparty TEXT NOT NULL DEFAULT '',
			amount NUMERIC NOT NULL DEFAULT 0,
			occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
			interval_seconds BIGINT NOT NULL DEFAULT 0,
			expected_interval_seconds BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (entry_id, community)
		);

		CREATE INDEX IF NOT EXISTS idx_activities_community_time ON activities(community, occurred_at);
		CREATE INDEX IF NOT EXISTS idx_activities_community_kind ON activities(community, kind, occurred_at);
	`
	return db.Exec(ctx, query)
}

func (db *DB) initPolicyChanges(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS policy_changes (
			community TEXT NOT NULL,
			entry_id TEXT NOT NULL,
			effective_at TIMESTAMP WITH TIME ZONE NOT NULL,
			base_interval BIGINT NOT NULL,
			increment_interval BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (community, entry_id)
		);

		CREATE INDEX IF NOT EXISTS idx_policy_changes_effective ON policy_changes(community, effective_at);
	`
	return db.Exec(ctx, query)
}

func (db *DB) initCommunityDailyStates(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS community_daily_states (
			community TEXT NOT NULL,
			date DATE NOT NULL,
			claimed_amount NUMERIC NOT NULL DEFAULT 0,
			claims_count BIGINT NOT NULL DEFAULT 0,
			raised_amount NUMERIC NOT NULL DEFAULT 0,
			backers_count BIGINT NOT NULL DEFAULT 0,
			volume NUMERIC NOT NULL DEFAULT 0,
			transactions_count BIGINT NOT NULL DEFAULT 0,
			beneficiaries_count BIGINT NOT NULL DEFAULT 0,
			managers_count BIGINT NOT NULL DEFAULT 0,
			funding_rate NUMERIC NOT NULL DEFAULT 0,
			closed BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			PRIMARY KEY (community, date)
		)
	`
	return db.Exec(ctx, query)
}

func (db *DB) initSustainabilityMetrics(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS sustainability_metrics (
			community TEXT PRIMARY KEY,
			ssi NUMERIC NOT NULL,
			suspect_level INTEGER NOT NULL DEFAULT 0,
			sample_size INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			as_of TIMESTAMP WITH TIME ZONE NOT NULL,
			computed_at TIMESTAMP WITH TIME ZONE NOT NULL
		)
	`
	return db.Exec(ctx, query)
}

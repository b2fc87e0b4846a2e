package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("CHAIN_SOURCE", "")
	t.Setenv("CLICKHOUSE_ADDR", "")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "celo", cfg.Ledger.Source)
	require.Equal(t, 100, cfg.SSI.Window)
	require.Equal(t, "0 5 0 * * *", cfg.Rollup.CloseSpec)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.False(t, cfg.ClickHouse.Enabled())
	require.Equal(t, 2*cfg.SSI.StaleAfter, cfg.SSICacheTTL)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CHAIN_SOURCE", "alfajores")
	t.Setenv("GENESIS_BLOCK", "18000000")
	t.Setenv("AMOUNT_DECIMALS", "18")
	t.Setenv("TOKEN_CONTRACTS", "0xA, 0xB,")
	t.Setenv("SSI_WINDOW", "30")
	t.Setenv("SSI_LOOKBACK", "720h")
	t.Setenv("SSI_DEVIATION_THRESHOLD", "0.25")
	t.Setenv("FUNDING_EPSILON", "0.01")
	t.Setenv("CLICKHOUSE_ADDR", "clickhouse://ch:9000")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "alfajores", cfg.Ledger.Source)
	require.Equal(t, uint64(18000000), cfg.Ledger.GenesisBlock)
	require.Equal(t, int32(18), cfg.Folder.AmountDecimals)
	require.Equal(t, []string{"0xA", "0xB"}, cfg.Folder.TokenContracts)
	require.Equal(t, 30, cfg.SSI.Window)
	require.Equal(t, 720*time.Hour, cfg.SSI.Lookback)
	require.InDelta(t, 0.25, cfg.SSI.DeviationThreshold, 1e-9)
	require.Equal(t, "0.01", cfg.Rollup.FundingEpsilon.String())
	require.True(t, cfg.ClickHouse.Enabled())
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("FUNDING_EPSILON", "-1")
	_, err := FromEnv()
	require.Error(t, err)

	t.Setenv("FUNDING_EPSILON", "")
	t.Setenv("DEFAULT_TIMEZONE", "Mars/Olympus")
	_, err = FromEnv()
	require.ErrorContains(t, err, "DEFAULT_TIMEZONE")

	t.Setenv("DEFAULT_TIMEZONE", "")
	t.Setenv("SSI_WINDOW", "1")
	_, err = FromEnv()
	require.ErrorContains(t, err, "SSI_WINDOW")
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log_level: debug
data_dir: /tmp/treasury
admin_token: secret
http:
  addr: ":9090"
chain:
  block_time: 6s
auction:
  admin: kujira1admin
  module_addr: treasury-auction
rebalance:
  base_denom: uusdc
  cycle_period: 1h
  whitelist: [uusdc, ukuji, uatom]
  min_account_value:
    uusdc: "10"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 6*time.Second, cfg.Chain.BlockTime)
	assert.Equal(t, "kujira1admin", cfg.Auction.Admin)
	assert.Equal(t, time.Hour, cfg.Rebalance.CyclePeriod)
	assert.Equal(t, []string{"uusdc", "ukuji", "uatom"}, cfg.Rebalance.Whitelist)

	// Defaults fill the gaps.
	assert.Equal(t, "0.9999", cfg.Auction.RoundingThreshold)
	assert.Equal(t, 50, cfg.Auction.SettleLimit)
	assert.Equal(t, 50, cfg.Rebalance.Limit)
}

func TestLoadRejectsIncomplete(t *testing.T) {
	_, err := Load(writeConfig(t, "log_level: info\ndata_dir: /tmp/x\n"))
	assert.Error(t, err, "missing required fields must fail validation")
}

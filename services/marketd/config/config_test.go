package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSeed = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "marketd.yaml", `
listen: ":9000"
auth:
  hmac_secret: " secret "
primary:
  rpc_url: https://rpc.primary.test
  stable_mint: Mint1111
custody:
  seed: `+testSeed+`
signer:
  base_url: https://signer.test
confirm:
  timeout: 90s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, "secret", cfg.Auth.HMACSecret)
	require.Equal(t, 90*time.Second, cfg.Confirm.Timeout.Duration)
	require.Equal(t, 2*time.Second, cfg.Confirm.PollInterval.Duration)
	require.EqualValues(t, 10, cfg.Escrow.FeePercent)
	require.NotNil(t, cfg.Escrow.RequireApprovedWork)
	require.True(t, *cfg.Escrow.RequireApprovedWork)
	require.Equal(t, "marketd.db", cfg.Database.SQLitePath)
	require.EqualValues(t, 6, cfg.Primary.StableDecimals)
	require.False(t, cfg.EVM.Enabled())
	require.Len(t, cfg.Custody.SeedBytes(), 32)
}

func TestLoadTOMLWithEnvOverrides(t *testing.T) {
	path := writeFile(t, "marketd.toml", `
listen = ":9100"

[auth]
hmac_secret = "secret"

[escrow]
fee_percent = 5
require_approved_work = true
reconcile_grace = "2m"

[primary]
rpc_url = "https://rpc.primary.test"
stable_mint = "Mint1111"

[evm]
rpc_url = "https://rpc.evm.test"
chain_id = 8453
token_address = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"

[signer]
base_url = "https://signer.test"
`)
	t.Setenv("MARKETD_CUSTODY_SEED", "an-unencoded-custody-seed-of-sufficient-length")
	t.Setenv("MARKETD_FEE_PERCENT", "12")
	t.Setenv("MARKETD_REQUIRE_APPROVED_WORK", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9100", cfg.ListenAddress)
	require.EqualValues(t, 12, cfg.Escrow.FeePercent)
	require.False(t, *cfg.Escrow.RequireApprovedWork)
	require.Equal(t, 2*time.Minute, cfg.Escrow.ReconcileGrace.Duration)
	require.True(t, cfg.EVM.Enabled())
	require.EqualValues(t, 3, cfg.EVM.Confirmations)
	require.Equal(t, []byte("an-unencoded-custody-seed-of-sufficient-length"), cfg.Custody.SeedBytes())
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"missing rpc": `
auth: {hmac_secret: s}
custody: {seed: ` + testSeed + `}
signer: {base_url: https://signer.test}
primary: {stable_mint: Mint}
`,
		"fee too large": `
auth: {hmac_secret: s}
custody: {seed: ` + testSeed + `}
signer: {base_url: https://signer.test}
primary: {rpc_url: https://rpc.test, stable_mint: Mint}
escrow: {fee_percent: 101}
`,
		"evm without token": `
auth: {hmac_secret: s}
custody: {seed: ` + testSeed + `}
signer: {base_url: https://signer.test}
primary: {rpc_url: https://rpc.test, stable_mint: Mint}
evm: {rpc_url: https://evm.test, chain_id: 1}
`,
		"no auth": `
custody: {seed: ` + testSeed + `}
signer: {base_url: https://signer.test}
primary: {rpc_url: https://rpc.test, stable_mint: Mint}
`,
		"bad duration": `
confirm: {timeout: soon}
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "marketd.yaml", body))
			require.Error(t, err)
		})
	}
}

func TestCustodySeedFromFile(t *testing.T) {
	seedPath := writeFile(t, "seed", testSeed+"\n")
	c := CustodyConfig{SeedFile: seedPath}
	require.NoError(t, c.normalise())
	require.Equal(t, testSeed, c.Seed)

	missing := CustodyConfig{SeedEnv: "MARKETD_TEST_UNSET_SEED"}
	require.Error(t, missing.normalise())
}

package infra

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
markets:
  symbols: ["BTC", "ETH"]
feed:
  ws_url: "wss://example.test/stream"
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Markets.BettingSeconds != 30 || cfg.Markets.ActiveSeconds != 30 {
		t.Errorf("expected 30s/30s defaults, got %d/%d",
			cfg.Markets.BettingSeconds, cfg.Markets.ActiveSeconds)
	}
	if cfg.Markets.AutoTradeAt != 10 {
		t.Errorf("expected auto_trade_at default 10, got %d", cfg.Markets.AutoTradeAt)
	}
	if cfg.Markets.CommissionRate.String() != "0.05" {
		t.Errorf("expected commission default 0.05, got %s", cfg.Markets.CommissionRate)
	}
	if cfg.Withdrawals.BatchSize != 250 {
		t.Errorf("expected batch size default 250, got %d", cfg.Withdrawals.BatchSize)
	}
	if cfg.Chain.ReceiptTimeoutSec != 90 {
		t.Errorf("expected receipt timeout default 90, got %d", cfg.Chain.ReceiptTimeoutSec)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("MOONRIDE_PRIVATE_KEY", "0xsecret")
	t.Setenv("MOONRIDE_RPC_URL", "https://rpc.test")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Chain.PrivateKey != "0xsecret" {
		t.Error("private key must come from the environment")
	}
	if cfg.Chain.RPCURL != "https://rpc.test" {
		t.Errorf("expected env RPC URL, got %s", cfg.Chain.RPCURL)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]string{
		"no markets": `
markets:
  symbols: []
feed:
  ws_url: "wss://example.test"
`,
		"bad feed url": `
markets:
  symbols: ["BTC"]
feed:
  ws_url: "http://not-a-socket"
`,
		"auto trade outside betting window": `
markets:
  symbols: ["BTC"]
  betting_seconds: 10
  auto_trade_at: 15
feed:
  ws_url: "wss://example.test"
`,
		"commission out of range": `
markets:
  symbols: ["BTC"]
  commission_rate: "1.5"
feed:
  ws_url: "wss://example.test"
`,
	}

	for name, body := range cases {
		if _, err := LoadConfig(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/meridian-quant/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func decimalFromInt(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.DailyLimit != 100 {
		t.Errorf("daily limit = %d, want 100", cfg.Scheduler.DailyLimit)
	}
	if cfg.Simulation.RebalanceFrequency != types.RebalanceWeekly {
		t.Errorf("rebalance = %s, want weekly", cfg.Simulation.RebalanceFrequency)
	}
	if len(cfg.Simulation.Strategies) != len(types.CanonicalStrategies()) {
		t.Errorf("strategies = %v", cfg.Simulation.Strategies)
	}
	if err := cfg.Simulation.Validate(); err != nil {
		t.Errorf("default simulation config invalid: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
log_level: debug
simulation:
  initial_capital: 250000
  strategies: [momentum, mean_reversion]
  start_date: "2023-01-02"
  end_date: "2023-06-30"
scheduler:
  daily_limit: 40
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if !cfg.Simulation.InitialCapital.Equal(decimalFromInt(250_000)) {
		t.Errorf("initial capital = %s", cfg.Simulation.InitialCapital)
	}
	if got := cfg.Simulation.Strategies; len(got) != 2 || got[0] != "momentum" {
		t.Errorf("strategies = %v", got)
	}
	if cfg.Scheduler.DailyLimit != 40 {
		t.Errorf("daily limit = %d, want 40", cfg.Scheduler.DailyLimit)
	}
	if cfg.Simulation.StartDate.IsZero() || cfg.Simulation.EndDate.IsZero() {
		t.Error("dates not parsed")
	}
}

func TestLoadRiskFileFallbacks(t *testing.T) {
	logger := zap.NewNop()
	def := types.DefaultRiskFileConfig()

	// Missing file.
	got := LoadRiskFile(logger, filepath.Join(t.TempDir(), "absent.json"))
	if got != def {
		t.Errorf("missing file: got %+v, want defaults", got)
	}

	// Corrupt file.
	dir := t.TempDir()
	bad := filepath.Join(dir, "risk.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	got = LoadRiskFile(logger, bad)
	if got != def {
		t.Errorf("corrupt file: got %+v, want defaults", got)
	}

	// Valid file with an out-of-range max_drawdown keeps the default limit.
	ok := filepath.Join(dir, "risk2.json")
	if err := os.WriteFile(ok, []byte(`{"max_drawdown": 4.5, "risk_per_trade": 0.01}`), 0o644); err != nil {
		t.Fatal(err)
	}
	got = LoadRiskFile(logger, ok)
	if got.MaxDrawdown != def.MaxDrawdown {
		t.Errorf("max drawdown = %v, want default %v", got.MaxDrawdown, def.MaxDrawdown)
	}
	if got.RiskPerTrade != 0.01 {
		t.Errorf("risk per trade = %v, want 0.01", got.RiskPerTrade)
	}
}

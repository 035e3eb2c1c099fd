package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const baseConfig = `
pricing:
  fallback_price: "2000.5"
engine:
  owner: "0x00000000000000000000000000000000000000a1"
  supported_tokens: ["0x0000000000000000000000000000000000005555"]
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.SlippageBps != 250 {
		t.Fatalf("slippage = %d, want 250", cfg.Engine.SlippageBps)
	}
	if cfg.Scheduler.Interval != 5*time.Minute {
		t.Fatalf("interval = %s", cfg.Scheduler.Interval)
	}
	schedule, err := cfg.FeeSchedule()
	if err != nil {
		t.Fatalf("fee schedule: %v", err)
	}
	if schedule.Percentage.String() != "1/100" || schedule.MinimalFee.String() != "1/10" {
		t.Fatalf("unexpected schedule %s / %s", schedule.MinimalFee, schedule.Percentage)
	}
	fallback, err := cfg.FallbackPrice()
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if fallback.Price.Uint64() != 200050000000 || fallback.Decimals != 8 {
		t.Fatalf("fallback = %s/%d", fallback.Price.Dec(), fallback.Decimals)
	}
	if got := Addresses(cfg.Engine.SupportedTokens); len(got) != 1 || got[0].Hex() != "0x0000000000000000000000000000000000005555" {
		t.Fatalf("supported tokens = %v", got)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]struct {
		extra string
		want  string
	}{
		"missing fallback": {
			extra: "engine:\n  owner: \"0x00000000000000000000000000000000000000a1\"\n",
			want:  "FallbackPrice",
		},
		"slippage above ceiling": {
			extra: baseConfig + "  slippage_bps: 5000\n",
			want:  "SlippageBps",
		},
		"percentage of 100%": {
			extra: baseConfig + "  percentage_fee:\n    numerator: 1\n    denominator: 1\n",
			want:  "fee schedule",
		},
		"live without feed": {
			extra: strings.Replace(baseConfig, "pricing:\n", "pricing:\n  live_enabled: true\n", 1),
			want:  "pricing.live_enabled",
		},
		"telegram without token": {
			extra: baseConfig + "alerting:\n  telegram:\n    enabled: true\n",
			want:  "bot_token",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.extra))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TIPSETTLE_ENGINE_SLIPPAGE_BPS", "100")
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.SlippageBps != 100 {
		t.Fatalf("slippage = %d, want env override 100", cfg.Engine.SlippageBps)
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	if cfg.ResolveMaxPoints(0) != 50 || cfg.ResolveMaxPoints(7) != 7 {
		t.Fatal("override should win over config")
	}
}

package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestAutoStakeStakeFor(t *testing.T) {
	balance := decimal.RequireFromString("200")

	t.Run("fixed", func(t *testing.T) {
		cfg := &AutoStake{Mode: AutoStakeFixed, Amount: decimal.RequireFromString("3")}
		if got := cfg.StakeFor(balance); !got.Equal(decimal.RequireFromString("3")) {
			t.Errorf("expected 3, got %s", got)
		}
	})

	t.Run("percent", func(t *testing.T) {
		cfg := &AutoStake{Mode: AutoStakePercent, Amount: decimal.RequireFromString("2.5")}
		if got := cfg.StakeFor(balance); !got.Equal(decimal.RequireFromString("5")) {
			t.Errorf("expected 5, got %s", got)
		}
	})
}

func TestAutoStakeValidate(t *testing.T) {
	valid := &AutoStake{
		Mode:      AutoStakePercent,
		Amount:    decimal.RequireFromString("10"),
		Direction: SideUp,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	cases := map[string]*AutoStake{
		"bad direction":     {Mode: AutoStakeFixed, Amount: decimal.NewFromInt(1), Direction: "sideways"},
		"bad mode":          {Mode: "weekly", Amount: decimal.NewFromInt(1), Direction: SideUp},
		"zero fixed":        {Mode: AutoStakeFixed, Amount: decimal.Zero, Direction: SideUp},
		"percent too small": {Mode: AutoStakePercent, Amount: decimal.RequireFromString("0.05"), Direction: SideDown},
		"percent too large": {Mode: AutoStakePercent, Amount: decimal.RequireFromString("150"), Direction: SideDown},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

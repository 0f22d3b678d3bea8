package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Earn.HeartbeatInterval)
	assert.Equal(t, "50", cfg.Earn.DailyWatchCap)
	require.Len(t, cfg.Earn.Thresholds, 2)

	rules, err := cfg.Earn.Rules()
	require.NoError(t, err)
	assert.True(t, rules.DailyWatchCap.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "watch_5min", rules.Thresholds[0].Type)
	assert.Equal(t, int64(300), rules.Thresholds[0].Seconds)
	assert.True(t, rules.Thresholds[0].Amount.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, time.Minute, rules.MaxElapsed())
	assert.False(t, rules.DailyCommentCap.Valid)
	assert.Equal(t, 10*time.Second, cfg.ETCD.SessionTTL)
}

func TestRulesCommentCap(t *testing.T) {
	base := EarnConfig{DailyWatchCap: "50", HeartbeatInterval: 30 * time.Second, ResetTimezone: "UTC"}

	rules, err := base.Rules()
	require.NoError(t, err)
	assert.False(t, rules.DailyCommentCap.Valid)

	// 显式配置为0表示当日不发放评论奖励
	base.DailyCommentCap = "0"
	rules, err = base.Rules()
	require.NoError(t, err)
	assert.True(t, rules.DailyCommentCap.Valid)
	assert.True(t, rules.DailyCommentCap.Decimal.IsZero())

	base.DailyCommentCap = "12.5"
	rules, err = base.Rules()
	require.NoError(t, err)
	assert.True(t, rules.DailyCommentCap.Decimal.Equal(decimal.RequireFromString("12.5")))
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("EARN_DAILY_WATCH_CAP", "80")
	path := writeConfig(t, "earn:\n  daily_watch_cap: \"50\"\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "80", cfg.Earn.DailyWatchCap)
}

func TestRulesSortsThresholds(t *testing.T) {
	rules, err := EarnConfig{
		DailyWatchCap:     "50",
		HeartbeatInterval: 30 * time.Second,
		ResetTimezone:     "UTC",
		Thresholds: []ThresholdConfig{
			{Type: "watch_30min", Seconds: 1800, Amount: "5"},
			{Type: "watch_5min", Seconds: 300, Amount: "2"},
		},
	}.Rules()
	require.NoError(t, err)
	assert.Equal(t, "watch_5min", rules.Thresholds[0].Type)
	assert.Equal(t, "watch_30min", rules.Thresholds[1].Type)
}

func TestRulesRejectsInvalid(t *testing.T) {
	base := EarnConfig{DailyWatchCap: "50", HeartbeatInterval: 30 * time.Second, ResetTimezone: "UTC"}

	cases := map[string]func(c *EarnConfig){
		"bad cap":       func(c *EarnConfig) { c.DailyWatchCap = "abc" },
		"negative cap":  func(c *EarnConfig) { c.DailyWatchCap = "-1" },
		"zero cap":      func(c *EarnConfig) { c.DailyWatchCap = "0" },
		"bad comment":   func(c *EarnConfig) { c.DailyCommentCap = "x" },
		"neg comment":   func(c *EarnConfig) { c.DailyCommentCap = "-3" },
		"zero interval": func(c *EarnConfig) { c.HeartbeatInterval = 0 },
		"bad timezone":  func(c *EarnConfig) { c.ResetTimezone = "Mars/Olympus" },
		"dup threshold": func(c *EarnConfig) {
			c.Thresholds = []ThresholdConfig{
				{Type: "watch_5min", Seconds: 300, Amount: "2"},
				{Type: "watch_5min", Seconds: 600, Amount: "2"},
			}
		},
		"zero amount": func(c *EarnConfig) {
			c.Thresholds = []ThresholdConfig{{Type: "watch_5min", Seconds: 300, Amount: "0"}}
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			_, err := c.Rules()
			assert.Error(t, err)
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsAlreadyClamped(t *testing.T) {
	def := Default()
	clamped := Default()
	clamped.Clamp()

	assert.Equal(t, def, clamped, "defaults must sit inside their safe ranges")
	assert.Equal(t, 0.40, def.Budget.ExecutionShare)
	assert.Equal(t, 500*time.Millisecond, time.Duration(def.Budget.ExecutionExclusionMS)*time.Millisecond)
	assert.Equal(t, 3, def.Circuit.VenueThreshold)
	assert.Equal(t, 5*time.Second, def.Lock.Timeout())
}

func TestLoad_YAMLOverridesAndClamps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tradeguard.yaml")
	yamlDoc := `
venues: [binance, kraken]
circuit:
  venue_threshold: 0
  cooldown_secs: 60
confirm:
  max_polls: 500
reconcile:
  threshold: 0.02
ladder:
  mode: yolo
  fraction: 3
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"binance", "kraken"}, cfg.Venues)
	assert.Equal(t, 1, cfg.Circuit.VenueThreshold, "zero threshold clamps up")
	assert.Equal(t, 60*time.Second, cfg.Circuit.CooldownDuration())
	assert.Equal(t, 100, cfg.Confirm.MaxPolls)
	assert.Equal(t, 0.02, cfg.Reconcile.Threshold)
	assert.Equal(t, "suggest", cfg.Ladder.Mode)
	assert.Equal(t, 1.0, cfg.Ladder.Fraction)
	// Untouched sections keep their defaults
	assert.Equal(t, 300*time.Second, cfg.Circuit.WindowDuration())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TRADEGUARD_VENUES":                "okx, kraken ,",
		"TRADEGUARD_CIRCUIT_COOLDOWN_SECS": "30",
		"TRADEGUARD_LADDER_ENABLED":        "true",
		"TRADEGUARD_RECONCILE_THRESHOLD":   "0.1",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, []string{"okx", "kraken"}, cfg.Venues)
	assert.Equal(t, 30, cfg.Circuit.CooldownSecs)
	assert.True(t, cfg.Ladder.Enabled)
	assert.Equal(t, 0.1, cfg.Reconcile.Threshold)
}

func TestApplyEnv_RejectsGarbage(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "TRADEGUARD_DATA_RPS" {
			return "fast", true
		}
		return "", false
	}
	cfg := Default()
	err := cfg.ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRADEGUARD_DATA_RPS")
}

func TestApplyFlags_OnlyChanged(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--ladder-mode=execute", "--venues=kraken,okx"}))

	cfg := Default()
	cfg.HTTP.Addr = "0.0.0.0:9999" // from file, flag not set
	require.NoError(t, cfg.ApplyFlags(fs))

	assert.Equal(t, "execute", cfg.Ladder.Mode)
	assert.Equal(t, []string{"kraken", "okx"}, cfg.Venues)
	assert.Equal(t, "0.0.0.0:9999", cfg.HTTP.Addr)
}

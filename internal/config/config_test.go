package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesDefaultsWithNoConfigFile(t *testing.T) {
	// An empty path falls back to viper's search paths (./configs, ".", the
	// user config dir); none of them carry a config file in this test
	// environment, so ReadInConfig reports ConfigFileNotFoundError, which
	// Load treats as "use defaults" rather than a hard failure.
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, cfg.Timing.ReaderTimeout)
	assert.Equal(t, 5*time.Second, cfg.Timing.RelockTimeout)
	assert.Equal(t, ":2000", cfg.Channel.ListenAddr)
	assert.Equal(t, ":8089", cfg.Admin.ListenAddr)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, 0, cfg.UserSlot.ChipSelectLine)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
timing:
  reader_timeout: 250ms
channel:
  listen_addr: ":9999"
user_slot:
  chip_select_line: 7
slots:
  - name: "Server Room"
    chip_select_line: 2
    solenoid_pin: 17
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Timing.ReaderTimeout)
	assert.Equal(t, ":9999", cfg.Channel.ListenAddr)
	assert.Equal(t, 7, cfg.UserSlot.ChipSelectLine)
	require.Len(t, cfg.Slots, 1)
	assert.Equal(t, "Server Room", cfg.Slots[0].Name)
	assert.Equal(t, 17, cfg.Slots[0].SolenoidPin)

	// Timing defaults not set by the file remain in force.
	assert.Equal(t, 5*time.Second, cfg.Timing.RelockTimeout)
}

func TestResolve_UsesControllerDefaultsWhenSlotUnset(t *testing.T) {
	cfg := &Config{Timing: TimingConfig{
		ReaderTimeout:       100 * time.Millisecond,
		RelockTimeout:       5 * time.Second,
		SolenoidSettleTime:  2 * time.Second,
		TheftDecisionWindow: time.Second,
	}}

	readerTimeout, relockTimeout, settle, theftWindow := cfg.Resolve(SlotConfig{Name: "slot-1"})

	assert.Equal(t, 100*time.Millisecond, readerTimeout)
	assert.Equal(t, 5*time.Second, relockTimeout)
	assert.Equal(t, 2*time.Second, settle)
	assert.Equal(t, time.Second, theftWindow)
}

func TestResolve_SlotOverridesWin(t *testing.T) {
	cfg := &Config{Timing: TimingConfig{
		ReaderTimeout: 100 * time.Millisecond,
		RelockTimeout: 5 * time.Second,
	}}

	override := 9 * time.Second
	readerTimeout, relockTimeout, _, _ := cfg.Resolve(SlotConfig{
		Name:          "slot-1",
		RelockTimeout: &override,
	})

	assert.Equal(t, 100*time.Millisecond, readerTimeout, "unset fields still fall back to the controller default")
	assert.Equal(t, 9*time.Second, relockTimeout, "a slot-level override takes priority")
}

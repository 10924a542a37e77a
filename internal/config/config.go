// Package config loads the controller's operating parameters via a
// viper-based layered load: defaults, then config file, then environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the controller needs at boot.
type Config struct {
	Timing   TimingConfig   `mapstructure:"timing"`
	Files    FilesConfig    `mapstructure:"files"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	Slots    []SlotConfig   `mapstructure:"slots"`
	UserSlot UserSlotConfig `mapstructure:"user_slot"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// UserSlotConfig is the badge reader's pin wiring.
type UserSlotConfig struct {
	ChipSelectLine int `mapstructure:"chip_select_line"`
	SPIBus         int `mapstructure:"spi_bus"`
	SPIDevice      int `mapstructure:"spi_device"`
}

// TimingConfig holds the controller-wide timing defaults; each slot may
// override any of them in its own SlotConfig entry.
type TimingConfig struct {
	ReaderTimeout       time.Duration `mapstructure:"reader_timeout"`
	RelockTimeout       time.Duration `mapstructure:"relock_timeout"`
	SolenoidSettleTime  time.Duration `mapstructure:"solenoid_settle_time"`
	TheftDecisionWindow time.Duration `mapstructure:"theft_decision_window"`
	SessionTimeout      time.Duration `mapstructure:"session_timeout"`
	MainLoopDelay       time.Duration `mapstructure:"main_loop_delay"`
}

// SlotConfig is one key slot's pin wiring and optional per-slot timing
// override.
type SlotConfig struct {
	Name               string         `mapstructure:"name"`
	ChipSelectLine     int            `mapstructure:"chip_select_line"`
	SolenoidPin        int            `mapstructure:"solenoid_pin"`
	SPIBus             int            `mapstructure:"spi_bus"`
	SPIDevice          int            `mapstructure:"spi_device"`
	ReaderTimeout       *time.Duration `mapstructure:"reader_timeout"`
	RelockTimeout       *time.Duration `mapstructure:"relock_timeout"`
	SolenoidSettleTime  *time.Duration `mapstructure:"solenoid_settle_time"`
	TheftDecisionWindow *time.Duration `mapstructure:"theft_decision_window"`
}

// FilesConfig points at the persistent state files, read only at boot.
type FilesConfig struct {
	CatalogPath      string `mapstructure:"catalog_path"`
	CredentialsPath  string `mapstructure:"credentials_path"`
	SecretPath       string `mapstructure:"secret_path"`
	TLSCertPath      string `mapstructure:"tls_cert_path"`
	TLSKeyPath       string `mapstructure:"tls_key_path"`
	TLSPassphrasePath string `mapstructure:"tls_passphrase_path"`
}

// ChannelConfig configures the external TLS channel.
type ChannelConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// AdminConfig configures the ambient operator-facing HTTP surface
// (/healthz, /status) — not part of the wire protocol.
type AdminConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggerConfig holds log level, format, and rotation settings.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads the controller configuration from configPath if given,
// otherwise from ./configs or the user's config directory, then overlays
// KEYGUARD_-prefixed environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("KEYGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timing.reader_timeout", 100*time.Millisecond)
	v.SetDefault("timing.relock_timeout", 5*time.Second)
	v.SetDefault("timing.solenoid_settle_time", 2*time.Second)
	v.SetDefault("timing.theft_decision_window", time.Second)
	v.SetDefault("timing.session_timeout", 60*time.Second)
	v.SetDefault("timing.main_loop_delay", 100*time.Microsecond)

	v.SetDefault("files.catalog_path", "./database.json")
	v.SetDefault("files.credentials_path", "./passwords.json")
	v.SetDefault("files.secret_path", "./secret.key")
	v.SetDefault("files.tls_cert_path", "./tls/cert.pem")
	v.SetDefault("files.tls_key_path", "./tls/key.pem")
	v.SetDefault("files.tls_passphrase_path", "./tls/passphrase")

	v.SetDefault("user_slot.chip_select_line", 0)
	v.SetDefault("user_slot.spi_bus", 0)
	v.SetDefault("user_slot.spi_device", 0)

	v.SetDefault("channel.listen_addr", ":2000")
	v.SetDefault("admin.listen_addr", ":8089")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.file_path", "./logs/keyguardd.log")
	v.SetDefault("logger.max_size_mb", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 30)
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".keyguardd")
}

// Resolve applies controller-wide timing defaults to any field a SlotConfig
// left unset.
func (c *Config) Resolve(s SlotConfig) (readerTimeout, relockTimeout, settle, theftWindow time.Duration) {
	readerTimeout = c.Timing.ReaderTimeout
	relockTimeout = c.Timing.RelockTimeout
	settle = c.Timing.SolenoidSettleTime
	theftWindow = c.Timing.TheftDecisionWindow
	if s.ReaderTimeout != nil {
		readerTimeout = *s.ReaderTimeout
	}
	if s.RelockTimeout != nil {
		relockTimeout = *s.RelockTimeout
	}
	if s.SolenoidSettleTime != nil {
		settle = *s.SolenoidSettleTime
	}
	if s.TheftDecisionWindow != nil {
		theftWindow = *s.TheftDecisionWindow
	}
	return
}

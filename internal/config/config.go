package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reader backends.
const (
	BackendPCSC   = "pcsc"
	BackendLibNFC = "libnfc"
	BackendScript = "script"
)

type Config struct {
	Card    CardConfig    `yaml:"card"`
	SAM     SAMConfig     `yaml:"sam"`
	Session SessionConfig `yaml:"session"`
	SV      SVConfig      `yaml:"sv"`
	Runtime RuntimeConfig `yaml:"runtime"`
}

type CardConfig struct {
	Backend string `yaml:"backend"`
	// Reader is a PC/SC reader index or name fragment, empty for the first one.
	Reader     string `yaml:"reader"`
	Connstring string `yaml:"connstring"`
	AID        string `yaml:"aid"`
	Revision   string `yaml:"revision"`
}

type SAMConfig struct {
	Reader string `yaml:"reader"`
	Class  *int   `yaml:"class"`
}

type SessionConfig struct {
	KeyIndex           *int  `yaml:"key_index"`
	Ratify             *bool `yaml:"ratify"`
	AllowInvalidatedDF bool  `yaml:"allow_invalidated_df"`
	BufferOverride     int   `yaml:"buffer_override"`
	ReadSFI            *int  `yaml:"read_sfi"`
	ReadRecord         *int  `yaml:"read_record"`
	// OpenSFI and OpenRecord name the record returned by Open Session.
	OpenSFI    *int `yaml:"open_sfi"`
	OpenRecord *int `yaml:"open_record"`
}

type SVConfig struct {
	DebitAmount int `yaml:"debit_amount"`
}

type RuntimeConfig struct {
	LogLevel string `yaml:"log_level"`
	// ScriptFile holds the recorded exchanges of the script backend.
	ScriptFile string `yaml:"script_file"`
	// ReportFile receives the APDU trace, stdout when empty.
	ReportFile string `yaml:"report_file"`
}

func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.applyDefaults()
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Card.Backend) == "" {
		c.Card.Backend = BackendPCSC
	}
	if strings.TrimSpace(c.Runtime.LogLevel) == "" {
		c.Runtime.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	switch c.Card.Backend {
	case BackendPCSC, BackendLibNFC:
	case BackendScript:
		if strings.TrimSpace(c.Runtime.ScriptFile) == "" {
			return fmt.Errorf("config.runtime.script_file is required with the script backend")
		}
		if err := validateReadableFile(c.Runtime.ScriptFile, "config.runtime.script_file"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("config.card.backend must be one of %s, %s, %s", BackendPCSC, BackendLibNFC, BackendScript)
	}

	if _, err := c.AID(); err != nil {
		return err
	}

	if c.SAM.Class != nil && (*c.SAM.Class < 0 || *c.SAM.Class > 0xFE) {
		return fmt.Errorf("config.sam.class must be 0x00..0xFE")
	}

	if c.Session.KeyIndex == nil {
		return fmt.Errorf("config.session.key_index is required")
	}
	if *c.Session.KeyIndex < 1 || *c.Session.KeyIndex > 3 {
		return fmt.Errorf("config.session.key_index must be 1..3")
	}
	if c.Session.Ratify == nil {
		return fmt.Errorf("config.session.ratify is required")
	}
	if c.Session.BufferOverride < 0 {
		return fmt.Errorf("config.session.buffer_override must be >= 0")
	}
	if c.Session.ReadSFI != nil && (*c.Session.ReadSFI < 1 || *c.Session.ReadSFI > 0x1E) {
		return fmt.Errorf("config.session.read_sfi must be 1..30")
	}
	if c.Session.ReadRecord != nil && (*c.Session.ReadRecord < 1 || *c.Session.ReadRecord > 250) {
		return fmt.Errorf("config.session.read_record must be 1..250")
	}
	if c.Session.OpenSFI != nil && (*c.Session.OpenSFI < 1 || *c.Session.OpenSFI > 0x1E) {
		return fmt.Errorf("config.session.open_sfi must be 1..30")
	}
	if c.Session.OpenRecord != nil {
		if c.Session.OpenSFI == nil {
			return fmt.Errorf("config.session.open_record requires config.session.open_sfi")
		}
		if *c.Session.OpenRecord < 1 || *c.Session.OpenRecord > 31 {
			return fmt.Errorf("config.session.open_record must be 1..31")
		}
	}

	if c.SV.DebitAmount < 0 || c.SV.DebitAmount > 32767 {
		return fmt.Errorf("config.sv.debit_amount must be 0..32767")
	}

	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// AID decodes card.aid, nil when the application is selected implicitly.
func (c *Config) AID() ([]byte, error) {
	s := strings.TrimSpace(c.Card.AID)
	if s == "" {
		if strings.TrimSpace(c.Card.Revision) == "" {
			return nil, fmt.Errorf("config.card.revision is required when config.card.aid is empty")
		}
		return nil, nil
	}
	aid, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("config.card.aid is not hex: %w", err)
	}
	if len(aid) < 5 || len(aid) > 16 {
		return nil, fmt.Errorf("config.card.aid must be 5..16 bytes")
	}
	return aid, nil
}

// LogLevel maps runtime.log_level to a slog level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(c.Runtime.LogLevel) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Runtime.LogLevel)); err != nil {
		return 0, fmt.Errorf("config.runtime.log_level: %w", err)
	}
	return level, nil
}

// SAMClass returns sam.class, 0 when unset.
func (c *Config) SAMClass() byte {
	if c.SAM.Class == nil {
		return 0
	}
	return byte(*c.SAM.Class)
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Runtime.ScriptFile = resolvePath(configDir, c.Runtime.ScriptFile)
	c.Runtime.ReportFile = resolvePath(configDir, c.Runtime.ReportFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

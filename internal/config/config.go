// Package config loads slotdb settings from layered JSONC files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	Path             string   `json:"path"`
	SlotSize         int64    `json:"slot_size,omitempty"`
	MaxSlotSize      int64    `json:"max_slot_size,omitempty"`
	Codec            string   `json:"codec,omitempty"`
	KeyEnv           string   `json:"key_env,omitempty"`
	MigratePlaintext bool     `json:"migrate_plaintext,omitempty"`
	Index            []string `json:"index,omitempty"`
	LockTimeout      string   `json:"lock_timeout,omitempty"`
	ProcessLock      *bool    `json:"process_lock,omitempty"`
	AutoCompact      *bool    `json:"auto_compact,omitempty"`
	CompressBackups  bool     `json:"compress_backups,omitempty"`
	LogLevel         string   `json:"log_level,omitempty"`
	LogFormat        string   `json:"log_format,omitempty"`

	// Resolved values (computed, not serialized)
	EffectiveCwd   string        `json:"-"` // Absolute working directory (from -C flag or os.Getwd)
	PathAbs        string        `json:"-"` // Absolute path to the data file
	LockTimeoutDur time.Duration `json:"-"`
	SlogLevel      slog.Level    `json:"-"`
	ProcessLockOn  bool          `json:"-"`
	AutoCompactOn  bool          `json:"-"`
	Sources        Sources       `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// Codec names accepted in the codec field.
const (
	CodecGoJSON  = "go-json"
	CodecStdJSON = "encoding/json"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Path:        "data.slotdb",
		Codec:       CodecGoJSON,
		KeyEnv:      "SLOTDB_KEY",
		LockTimeout: "10s",
		LogLevel:    "warn",
		LogFormat:   "text",
	}
}

// FileName is the default project config file name.
const FileName = ".slotdb.json"

// globalPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/slotdb/config.json if set, otherwise ~/.config/slotdb/config.json.
// Returns empty string if home directory cannot be determined.
func globalPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "slotdb", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "slotdb", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	PathOverride    string            // --db flag value; empty means no override
	Env             map[string]string // environment variables
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config (~/.config/slotdb/config.json or $XDG_CONFIG_HOME/slotdb/config.json)
// 3. Project config file at default location (.slotdb.json, if exists)
// 4. Explicit config file via ConfigPath (if non-empty)
// 5. CLI overrides.
//
// The data file path in the returned Config is resolved to an absolute path.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	} else if !filepath.IsAbs(workDir) {
		abs, err := filepath.Abs(workDir)
		if err != nil {
			return Config{}, fmt.Errorf("cannot resolve working directory: %w", err)
		}

		workDir = abs
	}

	cfg := DefaultConfig()

	globalCfg, globalCfgPath, err := loadGlobal(input.Env)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Global = globalCfgPath
	cfg = merge(cfg, globalCfg)

	projectCfg, projectPath, err := loadProject(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = projectPath
	cfg = merge(cfg, projectCfg)

	if input.PathOverride != "" {
		cfg.Path = input.PathOverride
	}

	cfg, err = resolve(cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	if filepath.IsAbs(cfg.Path) {
		cfg.PathAbs = cfg.Path
	} else {
		cfg.PathAbs = filepath.Join(workDir, cfg.Path)
	}

	return cfg, nil
}

// Save writes the serialized fields of cfg to path, replacing any existing
// file atomically.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}

	return nil
}

func loadGlobal(env map[string]string) (Config, string, error) {
	path := globalPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, explicitEmpty, loaded, err := loadFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	if explicitEmpty["path"] {
		return Config{}, "", fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, ErrPathEmpty)
	}

	return cfg, path, nil
}

// loadProject loads the project config file (.slotdb.json) or an explicit
// config file.
func loadProject(workDir, configPath string) (Config, string, error) {
	var (
		cfgFile   string
		mustExist bool
	)

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		if _, err := os.Stat(cfgFile); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, FileName)
	}

	cfg, explicitEmpty, loaded, err := loadFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	if explicitEmpty["path"] {
		return Config{}, "", fmt.Errorf("%w %s: %w", ErrConfigInvalid, cfgFile, ErrPathEmpty)
	}

	return cfg, cfgFile, nil
}

// loadFile loads a config file. If mustExist is false, missing files return zero config.
// Returns the config, a map of explicitly empty fields, whether file was loaded, and any error.
func loadFile(path string, mustExist bool) (Config, map[string]bool, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !mustExist {
			return Config{}, nil, false, nil
		}

		return Config{}, nil, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	cfg, explicitEmpty, err := parse(data)
	if err != nil {
		return Config{}, nil, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, explicitEmpty, true, nil
}

func parse(data []byte) (Config, map[string]bool, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	explicitEmpty := make(map[string]bool)

	for _, key := range []string{"path", "key_env"} {
		if str, ok := raw[key].(string); ok && str == "" {
			explicitEmpty[key] = true
		}
	}

	// An explicitly empty key_env turns encryption off.
	if explicitEmpty["key_env"] {
		cfg.KeyEnv = "-"
	}

	return cfg, explicitEmpty, nil
}

func merge(base, overlay Config) Config {
	if overlay.Path != "" {
		base.Path = overlay.Path
	}

	if overlay.SlotSize != 0 {
		base.SlotSize = overlay.SlotSize
	}

	if overlay.MaxSlotSize != 0 {
		base.MaxSlotSize = overlay.MaxSlotSize
	}

	if overlay.Codec != "" {
		base.Codec = overlay.Codec
	}

	if overlay.KeyEnv != "" {
		base.KeyEnv = overlay.KeyEnv
	}

	if overlay.MigratePlaintext {
		base.MigratePlaintext = true
	}

	if overlay.Index != nil {
		base.Index = overlay.Index
	}

	if overlay.LockTimeout != "" {
		base.LockTimeout = overlay.LockTimeout
	}

	if overlay.ProcessLock != nil {
		base.ProcessLock = overlay.ProcessLock
	}

	if overlay.AutoCompact != nil {
		base.AutoCompact = overlay.AutoCompact
	}

	if overlay.CompressBackups {
		base.CompressBackups = true
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.LogFormat != "" {
		base.LogFormat = overlay.LogFormat
	}

	return base
}

// resolve validates cfg and fills in the computed fields.
func resolve(cfg Config) (Config, error) {
	if cfg.Path == "" {
		return Config{}, ErrPathEmpty
	}

	if cfg.KeyEnv == "-" {
		cfg.KeyEnv = ""
	}

	if cfg.SlotSize < 0 || cfg.MaxSlotSize < 0 {
		return Config{}, fmt.Errorf("%w: slot sizes must not be negative", ErrInvalidValue)
	}

	if cfg.SlotSize != 0 && cfg.MaxSlotSize != 0 && cfg.MaxSlotSize < cfg.SlotSize {
		return Config{}, fmt.Errorf("%w: max_slot_size %d is below slot_size %d", ErrInvalidValue, cfg.MaxSlotSize, cfg.SlotSize)
	}

	switch cfg.Codec {
	case CodecGoJSON, CodecStdJSON:
	default:
		return Config{}, fmt.Errorf("%w: codec %q (want %s or %s)", ErrInvalidValue, cfg.Codec, CodecGoJSON, CodecStdJSON)
	}

	for _, field := range cfg.Index {
		if strings.TrimSpace(field) == "" || field == "id" {
			return Config{}, fmt.Errorf("%w: index field %q", ErrInvalidValue, field)
		}
	}

	timeout, err := time.ParseDuration(cfg.LockTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("%w: lock_timeout: %w", ErrInvalidValue, err)
	}

	cfg.LockTimeoutDur = timeout

	if err := cfg.SlogLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return Config{}, fmt.Errorf("%w: log_level %q", ErrInvalidValue, cfg.LogLevel)
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("%w: log_format %q (want text or json)", ErrInvalidValue, cfg.LogFormat)
	}

	cfg.ProcessLockOn = cfg.ProcessLock == nil || *cfg.ProcessLock
	cfg.AutoCompactOn = cfg.AutoCompact == nil || *cfg.AutoCompact

	return cfg, nil
}

// IndexPrefix returns the index key prefix for a secondary index field.
func IndexPrefix(field string) string {
	return "by" + strings.ToUpper(field[:1]) + field[1:] + ":"
}

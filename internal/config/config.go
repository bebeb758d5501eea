// Package config loads server configuration from the environment,
// with optional .env file support.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keywarden/keywarden/pkg/kwerr"
	"github.com/keywarden/keywarden/pkg/validate"
)

// Access modes.
const (
	ModeReadOnly  = "readonly"
	ModeReadWrite = "readwrite"
)

// Defaults.
const (
	DefaultBackupDir      = "./backups"
	DefaultBackupCount    = 10
	DefaultSessionTimeout = 3600 * time.Second
	DefaultAutoLock       = 1800 * time.Second
	DefaultMaxRetries     = 3
)

// Config is the resolved server configuration.
type Config struct {
	DBPath         string
	KeyFile        string
	BackupDir      string
	AuditDir       string
	AccessMode     string
	AutoSave       bool
	BackupCount    int
	SessionTimeout time.Duration
	AutoLock       time.Duration
	MaxRetries     int
	UseKeychain    bool
}

// Load resolves configuration from KEYWARDEN_* environment variables.
// A .env file in the working directory is merged in first when
// present; real environment variables win.
func Load() (*Config, error) {
	// godotenv does not overwrite variables already set.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	cfg := &Config{
		BackupDir:      envOr("KEYWARDEN_BACKUP_DIR", DefaultBackupDir),
		AccessMode:     strings.ToLower(envOr("KEYWARDEN_ACCESS_MODE", ModeReadOnly)),
		AutoSave:       true,
		BackupCount:    DefaultBackupCount,
		SessionTimeout: DefaultSessionTimeout,
		AutoLock:       DefaultAutoLock,
		MaxRetries:     DefaultMaxRetries,
		UseKeychain:    true,
	}

	dbPath := os.Getenv("KEYWARDEN_DB_PATH")
	if dbPath == "" {
		return nil, fmt.Errorf("config: KEYWARDEN_DB_PATH is required: %w", kwerr.ErrValidation)
	}
	if strings.ToLower(filepath.Ext(dbPath)) != ".kdbx" {
		return nil, fmt.Errorf("config: invalid database file extension %q, want .kdbx: %w",
			dbPath, kwerr.ErrValidation)
	}
	abs, err := validate.FilePath(dbPath)
	if err != nil {
		return nil, fmt.Errorf("config: invalid database path: %w", err)
	}
	cfg.DBPath = abs

	if keyFile := os.Getenv("KEYWARDEN_KEY_FILE"); keyFile != "" {
		// Existence is checked at unlock time, not here.
		abs, err := validate.FilePath(keyFile)
		if err != nil {
			return nil, fmt.Errorf("config: invalid key file path: %w", err)
		}
		cfg.KeyFile = abs
	}

	if cfg.AccessMode != ModeReadOnly && cfg.AccessMode != ModeReadWrite {
		return nil, fmt.Errorf("config: access mode must be %q or %q, got %q: %w",
			ModeReadOnly, ModeReadWrite, cfg.AccessMode, kwerr.ErrValidation)
	}

	if v, err := envBool("KEYWARDEN_AUTO_SAVE"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.AutoSave = *v
	}
	if v, err := envBool("KEYWARDEN_USE_KEYCHAIN"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.UseKeychain = *v
	}

	if v, err := envInt("KEYWARDEN_BACKUP_COUNT"); err != nil {
		return nil, err
	} else if v != nil {
		if *v < 1 {
			return nil, fmt.Errorf("config: backup count must be at least 1: %w", kwerr.ErrValidation)
		}
		cfg.BackupCount = *v
	}
	if v, err := envInt("KEYWARDEN_MAX_RETRIES"); err != nil {
		return nil, err
	} else if v != nil {
		if *v < 1 {
			return nil, fmt.Errorf("config: max retries must be at least 1: %w", kwerr.ErrValidation)
		}
		cfg.MaxRetries = *v
	}
	if v, err := envInt("KEYWARDEN_SESSION_TIMEOUT"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.SessionTimeout = time.Duration(*v) * time.Second
	}
	if v, err := envInt("KEYWARDEN_AUTO_LOCK"); err != nil {
		return nil, err
	} else if v != nil {
		cfg.AutoLock = time.Duration(*v) * time.Second
	}

	cfg.AuditDir = filepath.Join(filepath.Dir(cfg.DBPath), "audit")
	return cfg, nil
}

// ReadOnly reports whether mutating operations are disabled.
func (c *Config) ReadOnly() bool {
	return c.AccessMode == ModeReadOnly
}

// EnsureBackupDir creates the backup directory if needed.
func (c *Config) EnsureBackupDir() error {
	if err := os.MkdirAll(c.BackupDir, 0700); err != nil {
		return fmt.Errorf("config: failed to create backup directory: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) (*bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s must be a boolean, got %q: %w", key, raw, kwerr.ErrValidation)
	}
	return &v, nil
}

func envInt(key string) (*int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s must be an integer, got %q: %w", key, raw, kwerr.ErrValidation)
	}
	return &v, nil
}

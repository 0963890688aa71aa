package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/spacesync/internal/diff"
	"github.com/openmined/spacesync/internal/provider"
	"github.com/openmined/spacesync/internal/transfer"
	"github.com/openmined/spacesync/internal/utils"
	"github.com/spf13/viper"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".spacesync", "config.json")
	DefaultDataDir    = filepath.Join(home, ".spacesync", "data")
)

const (
	DefaultLockTTL        = 60 * time.Second
	DefaultSessionTimeout = 30 * time.Minute
	DefaultTombstoneGrace = 30 * 24 * time.Hour
)

var ErrUnknownRepository = errors.New("unknown repository")

// RepositoryConfig binds one repository to exactly one provider.
type RepositoryConfig struct {
	ID       string            `mapstructure:"id" json:"id"`
	Provider provider.Settings `mapstructure:"provider" json:"provider"`
	// Policy overrides the global conflict policy.
	Policy string `mapstructure:"policy" json:"policy,omitempty"`
}

type TransferConfig struct {
	Concurrency   int           `mapstructure:"concurrency" json:"concurrency"`
	MaxAttempts   int           `mapstructure:"max_attempts" json:"max_attempts"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff" json:"base_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff" json:"max_backoff"`
	ActionTimeout time.Duration `mapstructure:"action_timeout" json:"action_timeout"`
	RateLimit     float64       `mapstructure:"rate_limit" json:"rate_limit,omitempty"`
	RateBurst     int           `mapstructure:"rate_burst" json:"rate_burst,omitempty"`
	CacheEntries  int           `mapstructure:"cache_entries" json:"cache_entries"`
}

type Config struct {
	DataDir string `mapstructure:"data_dir" json:"data_dir"`
	// OwnerID identifies this device in lock markers. Defaults to the machine id.
	OwnerID        string             `mapstructure:"owner_id" json:"owner_id,omitempty"`
	Policy         string             `mapstructure:"policy" json:"policy"`
	LockTTL        time.Duration      `mapstructure:"lock_ttl" json:"lock_ttl"`
	SessionTimeout time.Duration      `mapstructure:"session_timeout" json:"session_timeout"`
	TombstoneGrace time.Duration      `mapstructure:"tombstone_grace" json:"tombstone_grace"`
	Transfer       TransferConfig     `mapstructure:"transfer" json:"transfer"`
	Repositories   []RepositoryConfig `mapstructure:"repositories" json:"repositories"`
	Path           string             `mapstructure:"-" json:"-"`
}

func Default() *Config {
	tc := transfer.DefaultConfig()
	return &Config{
		DataDir:        DefaultDataDir,
		Policy:         string(diff.PolicyAsk),
		LockTTL:        DefaultLockTTL,
		SessionTimeout: DefaultSessionTimeout,
		TombstoneGrace: DefaultTombstoneGrace,
		Transfer: TransferConfig{
			Concurrency:   tc.Concurrency,
			MaxAttempts:   tc.MaxAttempts,
			BaseBackoff:   tc.BaseBackoff,
			MaxBackoff:    tc.MaxBackoff,
			ActionTimeout: tc.ActionTimeout,
			CacheEntries:  tc.CacheEntries,
		},
		Path: DefaultConfigPath,
	}
}

// Load decodes the values collected by v on top of the defaults.
func Load(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	if used := v.ConfigFileUsed(); used != "" {
		cfg.Path = used
	}
	return cfg, nil
}

func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config read '%s': %w", path, err)
	}
	return Load(v)
}

func (c *Config) Validate() error {
	var err error

	c.DataDir, err = utils.ResolvePath(c.DataDir)
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	if c.Path != "" {
		c.Path, err = utils.ResolvePath(c.Path)
		if err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	if c.OwnerID == "" {
		c.OwnerID = utils.HWID
	}
	if _, err := diff.ParsePolicy(c.Policy); err != nil {
		return err
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock ttl must be positive")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session timeout must be positive")
	}
	if c.TombstoneGrace < 0 {
		return fmt.Errorf("tombstone grace must not be negative")
	}
	if err := c.TransferConfig().Validate(); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Repositories))
	for i := range c.Repositories {
		r := &c.Repositories[i]
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			return fmt.Errorf("repository #%d: missing id", i)
		}
		if strings.ContainsAny(r.ID, `/\`) {
			return fmt.Errorf("repository %q: id must not contain path separators", r.ID)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("repository %q: configured twice", r.ID)
		}
		seen[r.ID] = struct{}{}
		if r.Provider.Type == "" {
			return fmt.Errorf("repository %q: missing provider type", r.ID)
		}
		if r.Policy != "" {
			if _, err := diff.ParsePolicy(r.Policy); err != nil {
				return fmt.Errorf("repository %q: %w", r.ID, err)
			}
		}
	}
	return nil
}

// Repository returns the binding of a repository.
func (c *Config) Repository(id string) (*RepositoryConfig, error) {
	for i := range c.Repositories {
		if c.Repositories[i].ID == id {
			return &c.Repositories[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRepository, id)
}

// ConflictPolicy is the policy of a repository, falling back to the global one.
func (c *Config) ConflictPolicy(r *RepositoryConfig) diff.Policy {
	p := c.Policy
	if r != nil && r.Policy != "" {
		p = r.Policy
	}
	policy, err := diff.ParsePolicy(p)
	if err != nil {
		return diff.PolicyAsk
	}
	return policy
}

func (c *Config) TransferConfig() transfer.Config {
	return transfer.Config{
		Concurrency:   c.Transfer.Concurrency,
		MaxAttempts:   c.Transfer.MaxAttempts,
		BaseBackoff:   c.Transfer.BaseBackoff,
		MaxBackoff:    c.Transfer.MaxBackoff,
		ActionTimeout: c.Transfer.ActionTimeout,
		RateLimit:     c.Transfer.RateLimit,
		RateBurst:     c.Transfer.RateBurst,
		CacheEntries:  c.Transfer.CacheEntries,
	}
}

func (c *Config) ManifestDBPath() string {
	return filepath.Join(c.DataDir, "manifest.db")
}

func (c *Config) ContentDir() string {
	return filepath.Join(c.DataDir, "content")
}

func (c *Config) LockDir() string {
	return filepath.Join(c.DataDir, "locks")
}

func (c *Config) Save() error {
	if c.Path == "" {
		return fmt.Errorf("config path is not set")
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// provider secrets live in this file
	return utils.WriteFileAtomic(c.Path, data, 0o600)
}

// LogFilePath is where the CLI appends its debug log for a data directory.
func LogFilePath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "spacesync.log")
}

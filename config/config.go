package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"notional/native/portfolio"
	"notional/storage"
)

// Config captures the runtime configuration for a node hosting the accounting
// core: datastore location and the listed currencies with their valuation
// parameters.
type Config struct {
	DataDir    string                      `toml:"DataDir"`
	Backend    string                      `toml:"Backend"`
	LogFile    string                      `toml:"LogFile"`
	Currencies []portfolio.CurrencyConfig  `toml:"currency"`
	CashGroups []portfolio.CashGroupConfig `toml:"cashgroup"`
}

const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
	BackendMemory  = "memory"
)

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./notional-data"
	}
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = BackendLevelDB
	}
}

// Validate checks backend selection and currency listings.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLevelDB, BackendBolt, BackendMemory:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Backend)
	}
	seen := make(map[uint16]bool, len(c.Currencies))
	for i := range c.Currencies {
		cc := &c.Currencies[i]
		if err := cc.Validate(); err != nil {
			return fmt.Errorf("currency %d: %w", cc.ID, err)
		}
		if seen[cc.ID] {
			return fmt.Errorf("currency %d listed twice", cc.ID)
		}
		seen[cc.ID] = true
	}
	for i := range c.CashGroups {
		cg := &c.CashGroups[i]
		if !seen[cg.CurrencyID] {
			return fmt.Errorf("cash group references unlisted currency %d", cg.CurrencyID)
		}
		if err := cg.Validate(); err != nil {
			return fmt.Errorf("cash group %d: %w", cg.CurrencyID, err)
		}
	}
	return nil
}

// OpenDatabase opens the configured storage backend. The caller owns the
// returned handle and must Close it.
func (c *Config) OpenDatabase() (storage.Database, error) {
	switch c.Backend {
	case BackendMemory:
		return storage.NewMemDB(), nil
	case BackendBolt:
		return storage.NewBoltDB(filepath.Join(c.DataDir, "portfolio.db"))
	case BackendLevelDB:
		return storage.NewLevelDB(filepath.Join(c.DataDir, "portfolio"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Backend)
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Currencies = []portfolio.CurrencyConfig{{
		ID:                 1,
		Symbol:             "ETH",
		UnderlyingDecimals: 18,
		AssetDecimals:      8,
		RateDecimals:       18,
		BufferPct:          130,
		HaircutPct:         70,
	}}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

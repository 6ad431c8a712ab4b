package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"subpay/crypto"
	"subpay/native/fees"
)

// Commission holds the construction-time commission parameters. Min and Max
// are decimal strings because token amounts exceed uint64.
type Commission struct {
	RatePercent uint32 `toml:"RatePercent"`
	Min         string `toml:"Min"`
	Max         string `toml:"Max"`
}

// Alloc seeds an account balance on first start.
type Alloc struct {
	Address string `toml:"Address"`
	Token   string `toml:"Token"`
	Amount  string `toml:"Amount"`
}

type Config struct {
	RPCAddress     string     `toml:"RPCAddress"`
	MetricsAddress string     `toml:"MetricsAddress"`
	DataDir        string     `toml:"DataDir"`
	ServiceName    string     `toml:"ServiceName"`
	Owner          string     `toml:"Owner"`
	Commission     Commission `toml:"commission"`
	Allocs         []Alloc    `toml:"alloc"`
}

// Load loads the configuration from the given path, creating a commented
// default file when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.ServiceName) == "" {
		cfg.ServiceName = "subpay"
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./subpay-data"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious misconfiguration before the
// node starts mutating state with it.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Owner) == "" {
		return fmt.Errorf("config: Owner is required")
	}
	if _, err := crypto.DecodeAddress(c.Owner); err != nil {
		return fmt.Errorf("config: invalid Owner address: %w", err)
	}
	policy, err := c.CommissionPolicy()
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	for i, alloc := range c.Allocs {
		if _, err := crypto.DecodeAddress(alloc.Address); err != nil {
			return fmt.Errorf("config: alloc %d: invalid address: %w", i, err)
		}
		if _, err := parseAmount(alloc.Amount); err != nil {
			return fmt.Errorf("config: alloc %d: %w", i, err)
		}
		if strings.TrimSpace(alloc.Token) == "" {
			return fmt.Errorf("config: alloc %d: token is required", i)
		}
	}
	return nil
}

// OwnerAddress returns the decoded platform owner identity.
func (c *Config) OwnerAddress() ([20]byte, error) {
	var owner [20]byte
	addr, err := crypto.DecodeAddress(c.Owner)
	if err != nil {
		return owner, err
	}
	copy(owner[:], addr.Bytes())
	return owner, nil
}

// CommissionPolicy builds the fee policy from the configured parameters.
func (c *Config) CommissionPolicy() (fees.Policy, error) {
	min, err := parseAmount(c.Commission.Min)
	if err != nil {
		return fees.Policy{}, fmt.Errorf("config: commission Min: %w", err)
	}
	max, err := parseAmount(c.Commission.Max)
	if err != nil {
		return fees.Policy{}, fmt.Errorf("config: commission Max: %w", err)
	}
	return fees.Policy{RatePercent: c.Commission.RatePercent, Min: min, Max: max}, nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount %q must not be negative", raw)
	}
	return value, nil
}

func createDefault(path string) (*Config, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	owner := key.PubKey().Address().String()
	cfg := &Config{
		RPCAddress:     ":8645",
		MetricsAddress: ":9464",
		DataDir:        "./subpay-data",
		ServiceName:    "subpay",
		Owner:          owner,
		Commission: Commission{
			RatePercent: 5,
			Min:         "1000000000000000000",
			Max:         "100000000000000000000",
		},
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	fmt.Printf("Created default config at %s with generated owner %s; the owner key is NOT persisted, replace Owner before production use.\n", path, owner)
	return cfg, nil
}

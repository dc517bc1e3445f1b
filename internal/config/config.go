package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tranvictor/taskarmy"
)

// Environment variables read by Load
const (
	EnvPrivateKeys    = "PRIVATE_KEYS"
	EnvReceiver       = "RECEIVER_ADDRESS"
	EnvInviteCode     = "FAUCET_INVITE_CODE"
	EnvHistoryBackend = "TASKARMY_HISTORY_BACKEND"
	EnvHistoryPath    = "TASKARMY_HISTORY_PATH"
	EnvRedisURL       = "TASKARMY_REDIS_URL"
	EnvSimulate       = "TASKARMY_SIMULATE"
)

// History backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Flags struct {
	ConfigPath string
	// EnvFiles are loaded in order, later files override earlier ones
	EnvFiles []string

	HistoryBackend string
	HistoryPath    string
	// Simulate overrides the simulate setting when set
	Simulate *bool
}

type HistoryConfig struct {
	Backend   string
	Path      string
	LockPath  string
	RedisURL  string
	KeyPrefix string
}

type PoolConfig struct {
	ConnectionTimeout time.Duration
	SweepInterval     time.Duration
	RateLimit         int
	RateWindow        time.Duration
	MaxRetries        int
	// Whitelist holds extra origins besides the configured RPC hosts
	Whitelist []string
}

type SchedulerConfig struct {
	MaxConcurrency int
	BulkWaitMin    time.Duration
	BulkWaitMax    time.Duration
}

// Config is everything a run needs
type Config struct {
	Networks  []*taskarmy.Network
	Wallets   []*taskarmy.Wallet
	Settings  taskarmy.Settings
	History   HistoryConfig
	Pool      PoolConfig
	Scheduler SchedulerConfig
	// StateDir holds the default history files
	StateDir string
}

type tokenConfig struct {
	Symbol    string  `yaml:"symbol"`
	Address   string  `yaml:"address"`
	Decimals  *int32  `yaml:"decimals"`
	Min       float64 `yaml:"min"`
	Max       float64 `yaml:"max"`
	Slippage  float64 `yaml:"slippage"`
	Direction string  `yaml:"direction"`
}

type providerConfig struct {
	BaseURL    string `yaml:"base_url"`
	InviteCode string `yaml:"invite_code"`
	Message    string `yaml:"message"`
}

type networkConfig struct {
	Name     string        `yaml:"name"`
	RPCURL   string        `yaml:"rpc_url"`
	ChainID  uint64        `yaml:"chain_id"`
	Router   string        `yaml:"router"`
	Tokens   []tokenConfig `yaml:"tokens"`
	Contract *struct {
		Address string  `yaml:"address"`
		Method  string  `yaml:"method"`
		Value   float64 `yaml:"value"`
	} `yaml:"contract"`
	Faucet  *providerConfig `yaml:"faucet"`
	CheckIn *providerConfig `yaml:"checkin"`
}

type fileConfig struct {
	Networks []networkConfig `yaml:"networks"`
	Settings struct {
		Simulate *bool `yaml:"simulate"`
		Swap     struct {
			Mode  string  `yaml:"mode"`
			Fixed float64 `yaml:"fixed"`
			Upper float64 `yaml:"upper"`
		} `yaml:"swap"`
		Transfer struct {
			Receiver string   `yaml:"receiver"`
			Fixed    *float64 `yaml:"fixed"`
			Min      float64  `yaml:"min"`
			Max      float64  `yaml:"max"`
		} `yaml:"transfer"`
		Interval struct {
			Fixed string `yaml:"fixed"`
			Min   string `yaml:"min"`
			Max   string `yaml:"max"`
		} `yaml:"interval"`
	} `yaml:"settings"`
	History struct {
		Backend   string `yaml:"backend"`
		Path      string `yaml:"path"`
		LockPath  string `yaml:"lock_path"`
		RedisURL  string `yaml:"redis_url"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"history"`
	Pool struct {
		ConnectionTimeout string   `yaml:"connection_timeout"`
		SweepInterval     string   `yaml:"sweep_interval"`
		RateLimit         *int     `yaml:"rate_limit"`
		RateWindow        string   `yaml:"rate_window"`
		MaxRetries        *int     `yaml:"max_retries"`
		Whitelist         []string `yaml:"whitelist"`
	} `yaml:"pool"`
	Scheduler struct {
		MaxConcurrency *int   `yaml:"max_concurrency"`
		BulkWaitMin    string `yaml:"bulk_wait_min"`
		BulkWaitMax    string `yaml:"bulk_wait_max"`
	} `yaml:"scheduler"`
}

// LoadEnv loads .env and then lets .env.local override it. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env", ".env.local"}
	}
	for i, f := range files {
		var err error
		if i == 0 {
			err = godotenv.Load(f)
		} else {
			err = godotenv.Overload(f)
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the env files, the YAML config, the environment and flags, in that order of
// precedence from lowest to highest.
func Load(flags Flags) (Config, error) {
	if err := LoadEnv(flags.EnvFiles...); err != nil {
		return Config{}, err
	}

	cfg, err := defaultConfig()
	if err != nil {
		return Config{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Config{}, err
	}
	if err := applyFileConfig(cfgPath, &cfg, flags.ConfigPath != ""); err != nil {
		return Config{}, err
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	applyFlags(&cfg, flags)

	if err := cfg.Settings.Validate(); err != nil {
		return Config{}, fmt.Errorf("settings: %w", err)
	}
	switch cfg.History.Backend {
	case BackendFile, BackendSQLite, BackendRedis:
	default:
		return Config{}, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}
	if cfg.History.Path == "" {
		name := "history.jsonl"
		if cfg.History.Backend == BackendSQLite {
			name = "history.db"
		}
		cfg.History.Path = filepath.Join(cfg.StateDir, name)
	}
	return cfg, nil
}

func defaultConfig() (Config, error) {
	dir, err := defaultStateDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Settings: taskarmy.DefaultSettings(),
		StateDir: dir,
		History: HistoryConfig{
			Backend:  BackendFile,
			LockPath: filepath.Join(dir, "history.lock"),
		},
		Pool: PoolConfig{
			ConnectionTimeout: taskarmy.DefaultConnectionTimeout,
			SweepInterval:     taskarmy.DefaultSweepInterval,
			RateLimit:         taskarmy.DefaultRateLimit,
			RateWindow:        taskarmy.DefaultRateLimitWindow,
			MaxRetries:        taskarmy.DefaultMaxRetries,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrency: 6,
			BulkWaitMin:    taskarmy.DefaultBulkWaitMin,
			BulkWaitMax:    taskarmy.DefaultBulkWaitMax,
		},
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "taskarmy", "config.yaml"), nil
}

func defaultStateDir() (string, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "taskarmy"), nil
}

func parseDuration(field, v string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config %s: %w", field, err)
	}
	*dst = d
	return nil
}

func parseAddress(field, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("config %s: invalid address %q", field, v)
	}
	return common.HexToAddress(v), nil
}

// applyFileConfig reads path. A missing file is an error only when it was asked for explicitly.
func applyFileConfig(path string, cfg *Config, required bool) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(buf, &fc); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	networks, err := buildNetworks(fc.Networks)
	if err != nil {
		return err
	}
	cfg.Networks = networks

	s := &cfg.Settings
	if fc.Settings.Simulate != nil {
		s.Simulate = *fc.Settings.Simulate
	}
	if fc.Settings.Swap.Mode != "" {
		mode, err := taskarmy.ParseAmountMode(fc.Settings.Swap.Mode)
		if err != nil {
			return fmt.Errorf("config settings.swap.mode: %w", err)
		}
		s.Swap.Mode = mode
	}
	s.Swap.Fixed = fc.Settings.Swap.Fixed
	s.Swap.Upper = fc.Settings.Swap.Upper
	if r := fc.Settings.Transfer.Receiver; r != "" {
		addr, err := parseAddress("settings.transfer.receiver", r)
		if err != nil {
			return err
		}
		s.Transfer.Receiver = &addr
	}
	if fc.Settings.Transfer.Fixed != nil {
		s.Transfer.Fixed = *fc.Settings.Transfer.Fixed
	}
	s.Transfer.Min = fc.Settings.Transfer.Min
	s.Transfer.Max = fc.Settings.Transfer.Max
	iv := fc.Settings.Interval
	if err := parseDuration("settings.interval.fixed", iv.Fixed, &s.Interval.Fixed); err != nil {
		return err
	}
	if err := parseDuration("settings.interval.min", iv.Min, &s.Interval.Min); err != nil {
		return err
	}
	if err := parseDuration("settings.interval.max", iv.Max, &s.Interval.Max); err != nil {
		return err
	}
	if iv.Fixed != "" && iv.Min == "" && iv.Max == "" {
		s.Interval.Min, s.Interval.Max = 0, 0
	}

	h := fc.History
	if h.Backend != "" {
		cfg.History.Backend = strings.ToLower(h.Backend)
	}
	if h.Path != "" {
		cfg.History.Path = h.Path
	}
	if h.LockPath != "" {
		cfg.History.LockPath = h.LockPath
	}
	if h.RedisURL != "" {
		cfg.History.RedisURL = h.RedisURL
	}
	cfg.History.KeyPrefix = h.KeyPrefix

	p := fc.Pool
	if err := parseDuration("pool.connection_timeout", p.ConnectionTimeout, &cfg.Pool.ConnectionTimeout); err != nil {
		return err
	}
	if err := parseDuration("pool.sweep_interval", p.SweepInterval, &cfg.Pool.SweepInterval); err != nil {
		return err
	}
	if err := parseDuration("pool.rate_window", p.RateWindow, &cfg.Pool.RateWindow); err != nil {
		return err
	}
	if p.RateLimit != nil {
		cfg.Pool.RateLimit = *p.RateLimit
	}
	if p.MaxRetries != nil {
		cfg.Pool.MaxRetries = *p.MaxRetries
	}
	cfg.Pool.Whitelist = p.Whitelist

	sc := fc.Scheduler
	if sc.MaxConcurrency != nil {
		cfg.Scheduler.MaxConcurrency = *sc.MaxConcurrency
	}
	if err := parseDuration("scheduler.bulk_wait_min", sc.BulkWaitMin, &cfg.Scheduler.BulkWaitMin); err != nil {
		return err
	}
	if err := parseDuration("scheduler.bulk_wait_max", sc.BulkWaitMax, &cfg.Scheduler.BulkWaitMax); err != nil {
		return err
	}
	return nil
}

func buildNetworks(in []networkConfig) ([]*taskarmy.Network, error) {
	seen := map[string]bool{}
	networks := make([]*taskarmy.Network, 0, len(in))
	for i, nc := range in {
		name := strings.TrimSpace(nc.Name)
		if name == "" {
			return nil, fmt.Errorf("config networks[%d]: missing name", i)
		}
		if seen[strings.ToLower(name)] {
			return nil, fmt.Errorf("config networks[%d]: duplicate network %q", i, name)
		}
		seen[strings.ToLower(name)] = true
		if nc.RPCURL == "" {
			return nil, fmt.Errorf("config network %s: missing rpc_url", name)
		}

		n := &taskarmy.Network{
			Name:    name,
			RPCURL:  nc.RPCURL,
			ChainID: nc.ChainID,
		}
		if nc.Router != "" {
			addr, err := parseAddress("network "+name+" router", nc.Router)
			if err != nil {
				return nil, err
			}
			n.Router = addr
		}
		for j, tc := range nc.Tokens {
			addr, err := parseAddress(fmt.Sprintf("network %s tokens[%d]", name, j), tc.Address)
			if err != nil {
				return nil, err
			}
			decimals := int32(18)
			if tc.Decimals != nil {
				decimals = *tc.Decimals
			}
			direction := strings.ToLower(tc.Direction)
			switch direction {
			case "", "both", "in", "out":
			default:
				return nil, fmt.Errorf("config network %s token %s: invalid direction %q", name, tc.Symbol, tc.Direction)
			}
			n.Tokens = append(n.Tokens, taskarmy.Token{
				Address:   addr,
				Symbol:    tc.Symbol,
				Decimals:  decimals,
				Min:       tc.Min,
				Max:       tc.Max,
				Slippage:  tc.Slippage,
				Direction: direction,
			})
		}
		if nc.Contract != nil {
			addr, err := parseAddress("network "+name+" contract", nc.Contract.Address)
			if err != nil {
				return nil, err
			}
			n.Contract = &taskarmy.ContractCall{
				Address:   addr,
				Signature: nc.Contract.Method,
				Value:     nc.Contract.Value,
			}
		}
		n.Faucet = provider(nc.Faucet)
		n.CheckIn = provider(nc.CheckIn)
		networks = append(networks, n)
	}
	return networks, nil
}

func provider(pc *providerConfig) *taskarmy.ProviderConfig {
	if pc == nil || pc.BaseURL == "" {
		return nil
	}
	return &taskarmy.ProviderConfig{
		BaseURL:    pc.BaseURL,
		InviteCode: pc.InviteCode,
		Message:    pc.Message,
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvPrivateKeys); v != "" {
		wallets, err := taskarmy.NewWallets(splitList(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPrivateKeys, err)
		}
		cfg.Wallets = wallets
	}
	if v := strings.TrimSpace(os.Getenv(EnvReceiver)); v != "" {
		addr, err := parseAddress(EnvReceiver, v)
		if err != nil {
			return err
		}
		cfg.Settings.Transfer.Receiver = &addr
	}
	if v := strings.TrimSpace(os.Getenv(EnvInviteCode)); v != "" {
		for _, n := range cfg.Networks {
			for _, p := range []*taskarmy.ProviderConfig{n.Faucet, n.CheckIn} {
				if p != nil && p.InviteCode == "" {
					p.InviteCode = v
				}
			}
		}
	}
	if v := os.Getenv(EnvHistoryBackend); v != "" {
		cfg.History.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(EnvHistoryPath); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		cfg.History.RedisURL = v
	}
	if v := os.Getenv(EnvSimulate); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Settings.Simulate = b
		}
	}
	return nil
}

func applyFlags(cfg *Config, flags Flags) {
	if flags.HistoryBackend != "" {
		cfg.History.Backend = strings.ToLower(flags.HistoryBackend)
	}
	if flags.HistoryPath != "" {
		cfg.History.Path = flags.HistoryPath
	}
	if flags.Simulate != nil {
		cfg.Settings.Simulate = *flags.Simulate
	}
}

// splitList splits a comma or whitespace separated list and drops empty items
func splitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// NetworkNames returns the configured network names in file order
func (c Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for _, n := range c.Networks {
		names = append(names, n.Name)
	}
	return names
}

// Origins returns every origin the AccessGuard should whitelist
func (c Config) Origins() []string {
	seen := map[string]bool{}
	var origins []string
	add := func(o string) {
		if o != "" && !seen[o] {
			seen[o] = true
			origins = append(origins, o)
		}
	}
	for _, n := range c.Networks {
		add(n.Endpoint().Origin())
	}
	for _, o := range c.Pool.Whitelist {
		add(taskarmy.Endpoint{URL: o}.Origin())
	}
	return origins
}

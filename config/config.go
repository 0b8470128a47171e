package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"splitledger/crypto"
)

const (
	DefaultRPCAddress     = ":8545"
	DefaultMetricsAddress = ":9100"
	DefaultDataDir        = "./splitledger-data"
	DefaultEnvironment    = "local"
	DefaultRPCTokenEnv    = "SPLITD_RPC_TOKEN"
	DefaultTokenSymbol    = "USDX"
	DefaultWebhookEnv     = "SPLITD_WEBHOOK_SECRET"
)

type Config struct {
	DataDir             string    `toml:"DataDir" yaml:"dataDir"`
	RPCAddress          string    `toml:"RPCAddress" yaml:"rpcAddress"`
	MetricsAddress      string    `toml:"MetricsAddress" yaml:"metricsAddress"`
	Environment         string    `toml:"Environment" yaml:"environment"`
	LogFile             string    `toml:"LogFile,omitempty" yaml:"logFile,omitempty"`
	LogLevel            string    `toml:"LogLevel" yaml:"logLevel"`
	RPCTokenEnv         string    `toml:"RPCTokenEnv" yaml:"rpcTokenEnv"`
	RateLimit           RateLimit `toml:"RateLimit" yaml:"rateLimit"`
	IndexerDSN          string    `toml:"IndexerDSN,omitempty" yaml:"indexerDSN,omitempty"`
	AdminKeystorePath   string    `toml:"AdminKeystorePath,omitempty" yaml:"adminKeystorePath,omitempty"`
	Admin               string    `toml:"Admin" yaml:"admin"`
	DefaultAsset        string    `toml:"DefaultAsset" yaml:"defaultAsset"`
	Tokens              []Token   `toml:"Tokens" yaml:"tokens"`
	Telemetry           Telemetry `toml:"Telemetry" yaml:"telemetry"`
	EventFeedCapacity   int       `toml:"EventFeedCapacity" yaml:"eventFeedCapacity"`
	AllowUnauthedWrites bool      `toml:"AllowUnauthedWrites,omitempty" yaml:"allowUnauthedWrites,omitempty"`
	Webhook             Webhook   `toml:"Webhook,omitempty" yaml:"webhook,omitempty"`
}

// Load loads the configuration from the given path. A missing file is replaced
// by a default configuration, together with a fresh admin keystore next to it.
// Files ending in .yaml or .yml are decoded as YAML, everything else as TOML.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if isYAML(path) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = DefaultRPCAddress
	}
	if strings.TrimSpace(c.MetricsAddress) == "" {
		c.MetricsAddress = DefaultMetricsAddress
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = DefaultEnvironment
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if strings.TrimSpace(c.RPCTokenEnv) == "" {
		c.RPCTokenEnv = DefaultRPCTokenEnv
	}
	if c.RateLimit.PerMinute <= 0 {
		c.RateLimit.PerMinute = 600
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 60
	}
	if c.EventFeedCapacity <= 0 {
		c.EventFeedCapacity = 4096
	}
	if strings.TrimSpace(c.Webhook.URL) != "" && strings.TrimSpace(c.Webhook.SecretEnv) == "" {
		c.Webhook.SecretEnv = DefaultWebhookEnv
	}
	if c.Tokens == nil {
		c.Tokens = []Token{}
	}
	if strings.TrimSpace(c.DefaultAsset) == "" && len(c.Tokens) > 0 {
		c.DefaultAsset = strings.ToUpper(strings.TrimSpace(c.Tokens[0].Symbol))
	}
}

// createDefault creates and saves a default configuration file with a single
// genesis token and a freshly generated admin key.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		AdminKeystorePath: keystorePath,
		Admin:             key.PubKey().Address().String(),
		DefaultAsset:      DefaultTokenSymbol,
		Tokens: []Token{{
			Symbol:   DefaultTokenSymbol,
			Name:     "Split Dollar",
			Decimals: 6,
		}},
	}
	cfg.applyDefaults()

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "admin.keystore")
}

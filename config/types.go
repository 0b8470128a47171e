package config

// Allocation seeds a genesis balance for one account.
type Allocation struct {
	Address string `toml:"Address" yaml:"address"`
	Amount  string `toml:"Amount" yaml:"amount"`
}

// Token declares an asset registered when the ledger database is first
// created. Address may be left empty, in which case it is derived from the
// symbol.
type Token struct {
	Symbol      string       `toml:"Symbol" yaml:"symbol"`
	Name        string       `toml:"Name" yaml:"name"`
	Decimals    uint8        `toml:"Decimals" yaml:"decimals"`
	Address     string       `toml:"Address,omitempty" yaml:"address,omitempty"`
	Allocations []Allocation `toml:"Allocations,omitempty" yaml:"allocations,omitempty"`
}

// Telemetry controls the OpenTelemetry exporters.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers,omitempty" yaml:"headers,omitempty"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sampleRatio"`
}

// RateLimit bounds JSON-RPC calls per source address.
type RateLimit struct {
	PerMinute int `toml:"PerMinute" yaml:"perMinute"`
	Burst     int `toml:"Burst" yaml:"burst"`
}

// Webhook forwards ledger events to an external endpoint. The HMAC secret is
// read from the environment variable named by SecretEnv.
type Webhook struct {
	URL       string   `toml:"URL" yaml:"url"`
	SecretEnv string   `toml:"SecretEnv" yaml:"secretEnv"`
	Topics    []string `toml:"Topics,omitempty" yaml:"topics,omitempty"`
}

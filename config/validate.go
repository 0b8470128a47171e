package config

import (
	"fmt"
	"math/big"
	"strings"

	"splitledger/core/genesis"
	"splitledger/crypto"
)

// Validate checks the configuration after defaults have been applied.
func (c *Config) Validate() error {
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("rateLimit: burst must be positive")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample ratio must be within [0,1]")
	}
	if url := strings.TrimSpace(c.Webhook.URL); url != "" &&
		!strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("webhook: url must use http or https")
	}
	if strings.TrimSpace(c.Admin) != "" {
		if _, err := crypto.ParseAddress(c.Admin, crypto.AccountPrefix); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	}
	tokens, err := c.GenesisTokens()
	if err != nil {
		return err
	}
	if strings.TrimSpace(c.DefaultAsset) != "" {
		if _, err := c.DefaultAssetAddress(tokens); err != nil {
			return err
		}
	}
	return nil
}

// GenesisTokens parses the configured tokens into runtime values. Symbols are
// upper-cased and must be unique.
func (c *Config) GenesisTokens() ([]genesis.Token, error) {
	out := make([]genesis.Token, 0, len(c.Tokens))
	seen := make(map[string]struct{}, len(c.Tokens))
	for i, token := range c.Tokens {
		symbol := strings.ToUpper(strings.TrimSpace(token.Symbol))
		if symbol == "" {
			return nil, fmt.Errorf("tokens[%d]: symbol required", i)
		}
		if _, dup := seen[symbol]; dup {
			return nil, fmt.Errorf("tokens[%d]: duplicate symbol %s", i, symbol)
		}
		seen[symbol] = struct{}{}
		name := strings.TrimSpace(token.Name)
		if name == "" {
			name = symbol
		}
		parsed := genesis.Token{Symbol: symbol, Name: name, Decimals: token.Decimals}
		if strings.TrimSpace(token.Address) == "" {
			parsed.Address = TokenAddress(symbol)
		} else {
			addr, err := crypto.ParseAddress(token.Address, crypto.AssetPrefix)
			if err != nil {
				return nil, fmt.Errorf("tokens[%d] %s: %w", i, symbol, err)
			}
			parsed.Address = addr
		}
		for j, alloc := range token.Allocations {
			account, err := crypto.ParseAddress(alloc.Address, crypto.AccountPrefix)
			if err != nil {
				return nil, fmt.Errorf("tokens[%d].allocations[%d]: %w", i, j, err)
			}
			amount, err := parseUintAmount(alloc.Amount)
			if err != nil {
				return nil, fmt.Errorf("tokens[%d].allocations[%d]: %w", i, j, err)
			}
			parsed.Allocations = append(parsed.Allocations, genesis.Allocation{Account: account, Amount: amount})
		}
		out = append(out, parsed)
	}
	return out, nil
}

// DefaultAssetAddress resolves DefaultAsset, given either as a configured
// symbol or as an asset address.
func (c *Config) DefaultAssetAddress(tokens []genesis.Token) ([20]byte, error) {
	value := strings.TrimSpace(c.DefaultAsset)
	if value == "" {
		return [20]byte{}, fmt.Errorf("defaultAsset: not configured")
	}
	upper := strings.ToUpper(value)
	for _, token := range tokens {
		if token.Symbol == upper {
			return token.Address, nil
		}
	}
	addr, err := crypto.ParseAddress(value, crypto.AssetPrefix)
	if err != nil {
		return [20]byte{}, fmt.Errorf("defaultAsset %q: not a configured symbol or asset address", value)
	}
	return addr, nil
}

// GenesisSpec assembles the bootstrap state applied to an empty ledger.
func (c *Config) GenesisSpec() (*genesis.Spec, error) {
	tokens, err := c.GenesisTokens()
	if err != nil {
		return nil, err
	}
	admin, err := c.AdminAddress()
	if err != nil {
		return nil, err
	}
	asset, err := c.DefaultAssetAddress(tokens)
	if err != nil {
		return nil, err
	}
	return &genesis.Spec{Tokens: tokens, Admin: admin, DefaultAsset: asset}, nil
}

// AdminAddress parses the configured admin account.
func (c *Config) AdminAddress() ([20]byte, error) {
	if strings.TrimSpace(c.Admin) == "" {
		return [20]byte{}, fmt.Errorf("admin: not configured")
	}
	return crypto.ParseAddress(c.Admin, crypto.AccountPrefix)
}

// TokenAddress derives the asset address used for a symbol that has no
// explicit address.
func TokenAddress(symbol string) [20]byte {
	return crypto.DeriveAddress("splitledger/asset/" + strings.ToUpper(strings.TrimSpace(symbol)))
}

func parseUintAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

package genesis

import (
	"errors"
	"fmt"
	"math/big"

	"splitledger/core/state"
	"splitledger/native/bank"
	"splitledger/native/escrow"
)

// Allocation credits Amount base units to Account when its token is first
// registered.
type Allocation struct {
	Account [20]byte
	Amount  *big.Int
}

// Token describes an asset registered at bootstrap.
type Token struct {
	Address     [20]byte
	Symbol      string
	Name        string
	Decimals    uint8
	Allocations []Allocation
}

// Spec is the bootstrap state of a ledger database.
type Spec struct {
	Tokens       []Token
	Admin        [20]byte
	DefaultAsset [20]byte
}

// Result reports what Apply changed.
type Result struct {
	RegisteredTokens []string
	Initialized      bool
}

// Apply registers missing tokens, mints their allocations and initialises the
// escrow module when it has not been initialised yet. Tokens that already
// exist are left untouched, so applying the same spec twice is a no-op.
func Apply(manager *state.Manager, engine *escrow.Engine, spec *Spec) (*Result, error) {
	if spec == nil {
		return nil, fmt.Errorf("genesis spec must not be nil")
	}
	if manager == nil || engine == nil {
		return nil, fmt.Errorf("genesis: state manager and engine required")
	}
	result := &Result{}
	for _, token := range spec.Tokens {
		if manager.TokenExists(token.Address) {
			continue
		}
		if err := manager.RegisterToken(token.Address, token.Symbol, token.Name, token.Decimals); err != nil {
			return nil, fmt.Errorf("genesis: register %s: %w", token.Symbol, err)
		}
		ledger := bank.NewLedger(manager, token.Address)
		for _, alloc := range token.Allocations {
			if alloc.Amount == nil || alloc.Amount.Sign() == 0 {
				continue
			}
			if err := ledger.Mint(alloc.Account, alloc.Amount); err != nil {
				return nil, fmt.Errorf("genesis: allocate %s: %w", token.Symbol, err)
			}
		}
		result.RegisteredTokens = append(result.RegisteredTokens, token.Symbol)
	}

	if _, err := engine.Admin(); err == nil {
		return result, nil
	} else if !errors.Is(err, escrow.ErrNotInitialized) {
		return nil, err
	}
	if !manager.TokenExists(spec.DefaultAsset) {
		return nil, fmt.Errorf("genesis: default asset %x is not a registered token", spec.DefaultAsset)
	}
	if err := engine.Initialize(engine.Invoke(spec.Admin), spec.Admin, spec.DefaultAsset); err != nil {
		return nil, fmt.Errorf("genesis: initialise escrow: %w", err)
	}
	result.Initialized = true
	return result, nil
}

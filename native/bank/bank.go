package bank

import (
	"errors"
	"fmt"
	"math/big"

	"splitledger/core/state"
	"splitledger/crypto"
	"splitledger/native/escrow"
)

var (
	// ErrInsufficientBalance is returned when the sender cannot cover a
	// transfer.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrUnknownAsset is returned when no transfer capability exists for an
	// asset.
	ErrUnknownAsset = errors.New("bank: unknown asset")
)

// EscrowCustodyAddress is the module account that holds deposited funds until
// a split settles or refunds.
var EscrowCustodyAddress = crypto.DeriveAddress("splitledger/escrow-custody")

type balanceStore interface {
	Balance(addr [20]byte, asset [20]byte) (*big.Int, error)
	SetBalance(addr [20]byte, asset [20]byte, amount *big.Int) error
	TokenExists(asset [20]byte) bool
}

// Ledger moves balances of a single registered asset held in ledger state.
type Ledger struct {
	store balanceStore
	asset [20]byte
}

// NewLedger binds a token ledger for asset to the state manager.
func NewLedger(manager *state.Manager, asset [20]byte) *Ledger {
	return &Ledger{store: manager, asset: asset}
}

// Asset returns the asset address handled by the ledger.
func (l *Ledger) Asset() [20]byte { return l.asset }

// Transfer debits from and credits to. Self transfers are validated but leave
// balances untouched.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("bank: state manager required")
	}
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bank: transfer amount must be non-negative")
	}
	if !l.store.TokenExists(l.asset) {
		return fmt.Errorf("%w: %x", ErrUnknownAsset, l.asset)
	}
	fromBal, err := l.store.Balance(from, l.asset)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBal, amount)
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	toBal, err := l.store.Balance(to, l.asset)
	if err != nil {
		return err
	}
	if err := l.store.SetBalance(from, l.asset, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return l.store.SetBalance(to, l.asset, new(big.Int).Add(toBal, amount))
}

// Mint credits amount to addr. It is used for genesis allocations and tests.
func (l *Ledger) Mint(addr [20]byte, amount *big.Int) error {
	if l == nil || l.store == nil {
		return fmt.Errorf("bank: state manager required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("bank: mint amount must be positive")
	}
	bal, err := l.store.Balance(addr, l.asset)
	if err != nil {
		return err
	}
	return l.store.SetBalance(addr, l.asset, new(big.Int).Add(bal, amount))
}

// Registry resolves asset addresses to transfer capabilities. Registered
// tokens are served by a state-backed Ledger unless an override is installed.
type Registry struct {
	manager   *state.Manager
	overrides map[[20]byte]escrow.Transferer
}

// NewRegistry creates a registry over the supplied state manager.
func NewRegistry(manager *state.Manager) *Registry {
	return &Registry{manager: manager, overrides: make(map[[20]byte]escrow.Transferer)}
}

// Override installs a custom transfer capability for asset, taking precedence
// over the state-backed ledger.
func (r *Registry) Override(asset [20]byte, t escrow.Transferer) {
	if t == nil {
		delete(r.overrides, asset)
		return
	}
	r.overrides[asset] = t
}

// Transferer implements escrow.TokenRegistry.
func (r *Registry) Transferer(asset [20]byte) (escrow.Transferer, error) {
	if t, ok := r.overrides[asset]; ok {
		return t, nil
	}
	if r.manager == nil || !r.manager.TokenExists(asset) {
		return nil, fmt.Errorf("%w: %x", ErrUnknownAsset, asset)
	}
	return NewLedger(r.manager, asset), nil
}

package state

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"splitledger/storage"
)

// Manager provides typed access to ledger state stored in a key-value
// database. Values are RLP encoded and keys are hashed with keccak256.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// TokenMetadata describes an asset registered with the ledger.
type TokenMetadata struct {
	Address  [20]byte
	Symbol   string
	Name     string
	Decimals uint8
}

var (
	tokenPrefix   = []byte("token/meta/")
	tokenListKey  = ethcrypto.Keccak256([]byte("token/list"))
	balancePrefix = []byte("balance/")
)

func tokenMetadataKey(asset [20]byte) []byte {
	buf := make([]byte, len(tokenPrefix)+len(asset))
	copy(buf, tokenPrefix)
	copy(buf[len(tokenPrefix):], asset[:])
	return ethcrypto.Keccak256(buf)
}

func balanceKey(asset [20]byte, addr [20]byte) []byte {
	buf := make([]byte, len(balancePrefix)+len(asset)+1+len(addr))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], asset[:])
	buf[len(balancePrefix)+len(asset)] = '/'
	copy(buf[len(balancePrefix)+len(asset)+1:], addr[:])
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) get(key []byte) ([]byte, error) {
	if m == nil || m.db == nil {
		return nil, fmt.Errorf("state: database not configured")
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) put(key []byte, value []byte) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: database not configured")
	}
	return m.db.Put(key, value)
}

func (m *Manager) loadTokenList() ([][20]byte, error) {
	data, err := m.get(tokenListKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return [][20]byte{}, nil
	}
	var list [][20]byte
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) writeTokenList(list [][20]byte) error {
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.put(tokenListKey, encoded)
}

func (m *Manager) loadTokenMetadata(asset [20]byte) (*TokenMetadata, error) {
	data, err := m.get(tokenMetadataKey(asset))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	meta := new(TokenMetadata)
	if err := rlp.DecodeBytes(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// RegisterToken stores the metadata for an asset and records it in the token
// index. Symbols are upper-cased and must be unique.
func (m *Manager) RegisterToken(asset [20]byte, symbol, name string, decimals uint8) error {
	if asset == ([20]byte{}) {
		return fmt.Errorf("token address must not be zero")
	}
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("token %s: name must not be empty", normalized)
	}
	if existing, err := m.loadTokenMetadata(asset); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("token %s already registered", normalized)
	}
	if _, found, err := m.TokenBySymbol(normalized); err != nil {
		return err
	} else if found {
		return fmt.Errorf("token symbol %s already in use", normalized)
	}

	list, err := m.loadTokenList()
	if err != nil {
		return err
	}
	list = append(list, asset)
	sort.Slice(list, func(i, j int) bool { return bytes.Compare(list[i][:], list[j][:]) < 0 })
	if err := m.writeTokenList(list); err != nil {
		return err
	}
	meta := &TokenMetadata{Address: asset, Symbol: normalized, Name: name, Decimals: decimals}
	encoded, err := rlp.EncodeToBytes(meta)
	if err != nil {
		return err
	}
	return m.put(tokenMetadataKey(asset), encoded)
}

// Token retrieves metadata for a registered asset, nil when unknown.
func (m *Manager) Token(asset [20]byte) (*TokenMetadata, error) {
	return m.loadTokenMetadata(asset)
}

// TokenBySymbol resolves a registered symbol to its metadata.
func (m *Manager) TokenBySymbol(symbol string) (*TokenMetadata, bool, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	list, err := m.loadTokenList()
	if err != nil {
		return nil, false, err
	}
	for _, asset := range list {
		meta, err := m.loadTokenMetadata(asset)
		if err != nil {
			return nil, false, err
		}
		if meta != nil && meta.Symbol == normalized {
			return meta, true, nil
		}
	}
	return nil, false, nil
}

// TokenList returns every registered asset address in sorted order.
func (m *Manager) TokenList() ([][20]byte, error) {
	return m.loadTokenList()
}

// TokenExists reports whether the asset is registered.
func (m *Manager) TokenExists(asset [20]byte) bool {
	meta, err := m.loadTokenMetadata(asset)
	return err == nil && meta != nil
}

// SetBalance stores an account balance for the provided asset.
func (m *Manager) SetBalance(addr [20]byte, asset [20]byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative balance not allowed")
	}
	if meta, err := m.loadTokenMetadata(asset); err != nil {
		return err
	} else if meta == nil {
		return fmt.Errorf("token %x not registered", asset)
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.put(balanceKey(asset, addr), encoded)
}

// Balance retrieves an account balance for the provided asset.
func (m *Manager) Balance(addr [20]byte, asset [20]byte) (*big.Int, error) {
	data, err := m.get(balanceKey(asset, addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before it reaches the database.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under the supplied key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	if m == nil || m.db == nil {
		return fmt.Errorf("state: database not configured")
	}
	return m.db.Delete(kvKey(key))
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	var list [][]byte
	if err := m.KVGetList(key, &list); err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return m.KVPut(key, list)
}

// KVRemove drops value from the byte slice list stored under key.
func (m *Manager) KVRemove(key []byte, value []byte) error {
	var list [][]byte
	if err := m.KVGetList(key, &list); err != nil {
		return err
	}
	filtered := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			filtered = append(filtered, existing)
		}
	}
	if len(filtered) == len(list) {
		return nil
	}
	return m.KVPut(key, filtered)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice to avoid nil
// surprises for callers.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}

package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"merkledrop/storage"
)

var (
	ErrInvalidToken          = errors.New("token: invalid token symbol")
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
)

const (
	balanceKeyFormat   = "token/balances/%s/%s"
	allowanceKeyFormat = "token/allowances/%s/%s/%s"
)

// Ledger models the external value-transfer service at its interface
// boundary: balances, owner-approved allowances, and custody moves. It is the
// sole authority on who holds what; the distribution engine only instructs
// transfers and never bypasses it.
type Ledger struct {
	mu sync.RWMutex
	db storage.Database
}

// NewLedger constructs a token ledger backed by the supplied key-value store.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func normalizeToken(token string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(token))
	if trimmed == "" {
		return "", ErrInvalidToken
	}
	return trimmed, nil
}

func balanceKey(token string, holder common.Address) []byte {
	return []byte(fmt.Sprintf(balanceKeyFormat, token, holder.Hex()))
}

func allowanceKey(token string, owner, spender common.Address) []byte {
	return []byte(fmt.Sprintf(allowanceKeyFormat, token, owner.Hex(), spender.Hex()))
}

func (l *Ledger) load(key []byte) (*big.Int, error) {
	data, err := l.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}

func (l *Ledger) store(key []byte, value *big.Int) error {
	encoded, err := rlp.EncodeToBytes(value.Bytes())
	if err != nil {
		return err
	}
	return l.db.Put(key, encoded)
}

// BalanceOf returns the holder's balance for the given token.
func (l *Ledger) BalanceOf(token string, holder common.Address) (*big.Int, error) {
	symbol, err := normalizeToken(token)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.load(balanceKey(symbol, holder))
}

// Allowance returns how much spender may still pull from owner.
func (l *Ledger) Allowance(token string, owner, spender common.Address) (*big.Int, error) {
	symbol, err := normalizeToken(token)
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.load(allowanceKey(symbol, owner, spender))
}

// Mint credits newly issued value to an account. Used at bootstrap and in
// tests; the distribution engine never mints.
func (l *Ledger) Mint(token string, to common.Address, amount *big.Int) error {
	symbol, err := normalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.load(balanceKey(symbol, to))
	if err != nil {
		return err
	}
	return l.store(balanceKey(symbol, to), new(big.Int).Add(balance, amount))
}

// Approve authorizes spender to pull up to amount from owner. Replaces any
// previous allowance rather than adding to it.
func (l *Ledger) Approve(token string, owner, spender common.Address, amount *big.Int) error {
	symbol, err := normalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store(allowanceKey(symbol, owner, spender), amount)
}

// Transfer moves amount from one holder to another.
func (l *Ledger) Transfer(token string, from, to common.Address, amount *big.Int) error {
	symbol, err := normalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(symbol, from, to, amount)
}

// TransferFrom moves amount from owner to recipient on spender's authority,
// consuming allowance. The allowance check fails before any balance moves.
func (l *Ledger) TransferFrom(token string, spender, owner, to common.Address, amount *big.Int) error {
	symbol, err := normalizeToken(token)
	if err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	allowance, err := l.load(allowanceKey(symbol, owner, spender))
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: allowance %s, requested %s", ErrInsufficientAllowance, allowance, amount)
	}
	if err := l.move(symbol, owner, to, amount); err != nil {
		return err
	}
	return l.store(allowanceKey(symbol, owner, spender), new(big.Int).Sub(allowance, amount))
}

func (l *Ledger) move(symbol string, from, to common.Address, amount *big.Int) error {
	fromBalance, err := l.load(balanceKey(symbol, from))
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientBalance, fromBalance, amount)
	}
	// Self-transfer is a net no-op. Writing debit then credit from the same
	// pre-read balance would double-count the credit and inflate supply.
	if from == to {
		return nil
	}
	toBalance, err := l.load(balanceKey(symbol, to))
	if err != nil {
		return err
	}
	if err := l.store(balanceKey(symbol, from), new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.store(balanceKey(symbol, to), new(big.Int).Add(toBalance, amount))
}

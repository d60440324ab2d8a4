package ledger

import (
	"fmt"

	"github.com/luxfi/perps/pkg/perp"
)

// TokenBank is the ledger's token system: a flat map of accounts keyed by
// address. Vaults, funding accounts and treasury accounts all live here;
// the perp core moves balances through the perp.TokenLedger interface and
// never creates accounts itself.
type TokenBank struct {
	Accounts map[perp.Address]*perp.TokenAccount `json:"accounts"`
}

// NewTokenBank returns an empty bank.
func NewTokenBank() *TokenBank {
	return &TokenBank{Accounts: make(map[perp.Address]*perp.TokenAccount)}
}

// CreateAccount provisions an account for mint under owner.
func (b *TokenBank) CreateAccount(addr, mint, owner perp.Address) error {
	if _, ok := b.Accounts[addr]; ok {
		return fmt.Errorf("%w: account %s", perp.ErrAlreadyInUse, addr)
	}
	b.Accounts[addr] = &perp.TokenAccount{Address: addr, Mint: mint, Owner: owner}
	return nil
}

// Account returns a copy of the account at addr.
func (b *TokenBank) Account(addr perp.Address) (perp.TokenAccount, error) {
	acc, ok := b.Accounts[addr]
	if !ok {
		return perp.TokenAccount{}, fmt.Errorf("%w: %s", perp.ErrInvalidVault, addr)
	}
	return *acc, nil
}

// Transfer moves amount between accounts of the same mint.
func (b *TokenBank) Transfer(from, to perp.Address, amount uint64) error {
	src, ok := b.Accounts[from]
	if !ok {
		return fmt.Errorf("%w: %s", perp.ErrInvalidVault, from)
	}
	dst, ok := b.Accounts[to]
	if !ok {
		return fmt.Errorf("%w: %s", perp.ErrInvalidVault, to)
	}
	if src.Balance < amount {
		return fmt.Errorf("%w: account %s", perp.ErrInsufficientBalance, from)
	}
	src.Balance -= amount
	dst.Balance += amount
	return nil
}

// MintTo credits freshly minted units to an account.
func (b *TokenBank) MintTo(to perp.Address, amount uint64) error {
	acc, ok := b.Accounts[to]
	if !ok {
		return fmt.Errorf("%w: %s", perp.ErrInvalidVault, to)
	}
	var err error
	acc.Balance, err = addU64(acc.Balance, amount)
	return err
}

// Burn destroys units held by an account.
func (b *TokenBank) Burn(from perp.Address, amount uint64) error {
	acc, ok := b.Accounts[from]
	if !ok {
		return fmt.Errorf("%w: %s", perp.ErrInvalidVault, from)
	}
	if acc.Balance < amount {
		return fmt.Errorf("%w: account %s", perp.ErrInsufficientBalance, from)
	}
	acc.Balance -= amount
	return nil
}

func addU64(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, perp.ErrOverflow
	}
	return s, nil
}

// Package perp implements the core ledger of a multi-asset liquidity-pool
// perpetuals exchange: asset and market registration, liquidity deposit and
// redemption with fee and share accounting, a ring-buffer price feed,
// leveraged-position order matching, and share-weighted reward distribution.
//
// All state lives in a single Dex root record with fixed-capacity embedded
// arrays; records are never resized, occupancy is tracked with valid flags.
// Every operation either fully applies or returns an error with no partial
// mutation, which the surrounding runtime turns into an atomic commit.
package perp

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Layout constants. Record magics tag serialized roots so a mounted page can
// be sanity-checked before use.
const (
	DexMagic       uint32 = 0x6666
	PriceFeedMagic uint32 = 0x666a
	UserListMagic  uint32 = 0x6668
	UserStateMagic uint32 = 0x6669

	MaxAssetCount  = 16
	MaxMarketCount = 16

	// PriceHistoryLen is the ring-buffer depth per asset slot in a PriceFeed.
	PriceHistoryLen = 5
)

// Rate and unit scales. Fee rates are parts-per-10000, leverage and target
// weights parts-per-1000, values are quoted in USDC micro-units.
const (
	FeeRateBase  uint64 = 10_000
	LeverageBase uint64 = 1_000

	USDCDecimals uint8  = 6
	USDCPow      uint64 = 1_000_000

	// RewardSharePow scales the staking reward accumulator fixed-point.
	RewardSharePow uint64 = 1_000_000_000_000
)

// Nil slot markers for index-linked structures.
const (
	NilIndex8  uint8  = 0xff
	NilIndex32 uint32 = 0xffffffff
)

// MaxFilledPerCrank caps how many resting orders a single fill pass may
// convert into match events per book side.
const MaxFilledPerCrank = 10

// Address identifies an external account: a vault, mint, oracle or owner.
type Address [32]byte

// ZeroAddress is the unset address value.
var ZeroAddress Address

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// String returns the hex form of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// MarshalText renders the address as hex, letting it key JSON maps.
func (a Address) MarshalText() ([]byte, error) {
	dst := make([]byte, hex.EncodedLen(len(a)))
	hex.Encode(dst, a[:])
	return dst, nil
}

// UnmarshalText parses the hex form.
func (a *Address) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != len(a) {
		return fmt.Errorf("address: want %d hex bytes, got %d", len(a), hex.DecodedLen(len(text)))
	}
	_, err := hex.Decode(a[:], text)
	return err
}

// ParseAddress decodes a hex address string.
func ParseAddress(s string) (Address, error) {
	var a Address
	err := a.UnmarshalText([]byte(s))
	return a, err
}

// AddressFromBytes copies b into an Address, truncating or zero-padding.
func AddressFromBytes(b []byte) Address {
	var a Address
	copy(a[:], b)
	return a
}

// SymbolWidth is the fixed width of asset and market symbols.
const SymbolWidth = 16

// Symbol is a fixed-width, null-padded instrument name.
type Symbol [SymbolWidth]byte

// NewSymbol null-pads s to the fixed width. Longer names are truncated.
func NewSymbol(s string) Symbol {
	var sym Symbol
	copy(sym[:], s)
	return sym
}

// String trims the null padding.
func (s Symbol) String() string {
	return string(bytes.TrimRight(s[:], "\x00"))
}

// pow10 returns 10^n for token-decimal conversions.
func pow10(n uint8) uint64 {
	p := uint64(1)
	for i := uint8(0); i < n; i++ {
		p *= 10
	}
	return p
}

package perp

import (
	"fmt"

	"github.com/luxfi/perps/pkg/signer"
)

// TokenAccount is the core's view of an externally owned token account.
type TokenAccount struct {
	Address Address `json:"address"`
	Mint    Address `json:"mint"`
	Owner   Address `json:"owner"`
	Balance uint64  `json:"balance"`
}

// TokenLedger is the token system the core debits and credits. Vaults,
// user funding accounts and mints are provisioned outside the core; the
// runtime supplies the implementation.
type TokenLedger interface {
	Account(addr Address) (TokenAccount, error)
	Transfer(from, to Address, amount uint64) error
	MintTo(to Address, amount uint64) error
	Burn(from Address, amount uint64) error
}

// AssetRecord is one registered pool asset. LiquidityAmount is principal
// held in the vault; FeeAmount is accrued fees not yet swept into the
// reward pool. Their sum never exceeds the vault balance.
type AssetRecord struct {
	Valid         bool         `json:"valid"`
	Symbol        Symbol       `json:"symbol"`
	Decimals      uint8        `json:"decimals"`
	Nonce         uint8        `json:"nonce"`
	Mint          Address      `json:"mint"`
	Vault         Address      `json:"vault"`
	ProgramSigner Address      `json:"programSigner"`
	OracleSource  OracleSource `json:"oracleSource"`
	Oracle        Address      `json:"oracle"`

	BorrowFeeRate          uint16 `json:"borrowFeeRate"`
	AddLiquidityFeeRate    uint16 `json:"addLiquidityFeeRate"`
	RemoveLiquidityFeeRate uint16 `json:"removeLiquidityFeeRate"`
	SwapFeeRate            uint16 `json:"swapFeeRate"`
	TargetWeight           uint16 `json:"targetWeight"`

	LiquidityAmount uint64 `json:"liquidityAmount"`
	FeeAmount       uint64 `json:"feeAmount"`
}

// MarketRecord is one leveraged market and its matching structures.
type MarketRecord struct {
	Valid               bool         `json:"valid"`
	Symbol              Symbol       `json:"symbol"`
	Decimals            uint8        `json:"decimals"`
	OracleSource        OracleSource `json:"oracleSource"`
	Oracle              Address      `json:"oracle"`
	AssetIndex          uint8        `json:"assetIndex"`
	SignificantDecimals uint8        `json:"significantDecimals"`

	MinimumOpenAmount       uint64 `json:"minimumOpenAmount"`
	ChargeBorrowFeeInterval int64  `json:"chargeBorrowFeeInterval"`
	OpenFeeRate             uint16 `json:"openFeeRate"`
	CloseFeeRate            uint16 `json:"closeFeeRate"`
	LiquidateFeeRate        uint16 `json:"liquidateFeeRate"`
	LiquidateThreshold      uint8  `json:"liquidateThreshold"`
	MaxLeverage             uint32 `json:"maxLeverage"`

	OrderBook *OrderBook `json:"orderBook"`
	OrderPool *OrderPool `json:"orderPool"`

	GlobalLong  Position `json:"globalLong"`
	GlobalShort Position `json:"globalShort"`
}

// Dex is the root ledger record of one deployment: every asset, market and
// the share pool hang off it in fixed-capacity arrays. Occupancy is marked
// by valid flags, never by resizing.
type Dex struct {
	Magic     uint32  `json:"magic"`
	Key       Address `json:"key"`
	Authority Address `json:"authority"`
	Delegate  Address `json:"delegate"`

	Assets      [MaxAssetCount]AssetRecord   `json:"assets"`
	AssetCount  uint8                        `json:"assetCount"`
	Markets     [MaxMarketCount]MarketRecord `json:"markets"`
	MarketCount uint8                        `json:"marketCount"`

	UsdcAssetIndex uint8       `json:"usdcAssetIndex"`
	VlpPool        StakingPool `json:"vlpPool"`

	PriceFeed  Address     `json:"priceFeed"`
	MatchQueue *MatchQueue `json:"matchQueue"`
	Events     *EventQueue `json:"events"`

	UserCount uint32 `json:"userCount"`
}

// DexParams configures InitDex.
type DexParams struct {
	Key       Address
	Authority Address
	VlpMint   Address
	VlpVault  Address
	VlpNonce  uint8
	PriceFeed Address
}

// NewDex zero-initializes the root record.
func NewDex(params DexParams) *Dex {
	d := &Dex{
		Magic:          DexMagic,
		Key:            params.Key,
		Authority:      params.Authority,
		Delegate:       params.Authority,
		UsdcAssetIndex: NilIndex8,
		PriceFeed:      params.PriceFeed,
		MatchQueue:     NewMatchQueue(4096),
		Events:         NewEventQueue(8192),
	}
	vlpSigner := signer.Derive(params.VlpNonce, params.VlpMint[:], params.Key[:])
	d.VlpPool.Init(params.VlpMint, params.VlpVault, Address(vlpSigner), params.VlpMint, params.VlpNonce, USDCDecimals, NilIndex8)
	return d
}

// requireAuthority rejects callers other than the recorded authority or its
// delegate.
func (d *Dex) requireAuthority(caller Address) error {
	if caller != d.Authority && caller != d.Delegate {
		return fmt.Errorf("%w: caller %s", ErrNotAllowed, caller)
	}
	return nil
}

// asset returns the valid record at index.
func (d *Dex) asset(index uint8) (*AssetRecord, error) {
	if index >= MaxAssetCount || !d.Assets[index].Valid {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAssetIndex, index)
	}
	return &d.Assets[index], nil
}

// market returns the valid record at index.
func (d *Dex) market(index uint8) (*MarketRecord, error) {
	if index >= MaxMarketCount || !d.Markets[index].Valid {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMarketIndex, index)
	}
	return &d.Markets[index], nil
}

// AssetBySymbol finds a valid asset record by symbol.
func (d *Dex) AssetBySymbol(symbol string) (uint8, *AssetRecord, error) {
	sym := NewSymbol(symbol)
	for i := range d.Assets {
		if d.Assets[i].Valid && d.Assets[i].Symbol == sym {
			return uint8(i), &d.Assets[i], nil
		}
	}
	return NilIndex8, nil, fmt.Errorf("%w: %s", ErrInvalidAssetIndex, symbol)
}

// MarketBySymbol finds a valid market record by symbol.
func (d *Dex) MarketBySymbol(symbol string) (uint8, *MarketRecord, error) {
	sym := NewSymbol(symbol)
	for i := range d.Markets {
		if d.Markets[i].Valid && d.Markets[i].Symbol == sym {
			return uint8(i), &d.Markets[i], nil
		}
	}
	return NilIndex8, nil, fmt.Errorf("%w: %s", ErrInvalidMarketIndex, symbol)
}

// AssetParams configures AddAsset.
type AssetParams struct {
	Symbol        string
	Decimals      uint8
	Nonce         uint8
	Mint          Address
	Vault         Address
	ProgramSigner Address
	Oracle        Address
	OracleSource  OracleSource

	BorrowFeeRate          uint16
	AddLiquidityFeeRate    uint16
	RemoveLiquidityFeeRate uint16
	SwapFeeRate            uint16
	TargetWeight           uint16
}

// AddAsset registers a pool asset. The derived program signer is always
// recomputed from (mint, dex, nonce); the caller-supplied signer and the
// vault's owner must both match it, and the vault must hold the declared
// mint.
func (d *Dex) AddAsset(caller Address, params AssetParams, tokens TokenLedger) (uint8, error) {
	if d.Magic != DexMagic {
		return NilIndex8, ErrInvalidMagic
	}
	if err := d.requireAuthority(caller); err != nil {
		return NilIndex8, err
	}

	sym := NewSymbol(params.Symbol)
	for i := range d.Assets {
		rec := &d.Assets[i]
		if !rec.Valid {
			continue
		}
		if rec.Symbol == sym || rec.Mint == params.Mint || rec.Vault == params.Vault {
			return NilIndex8, fmt.Errorf("%w: %s", ErrDuplicateAsset, params.Symbol)
		}
	}
	if d.AssetCount >= MaxAssetCount {
		return NilIndex8, ErrAssetsFull
	}

	vault, err := tokens.Account(params.Vault)
	if err != nil {
		return NilIndex8, fmt.Errorf("%w: vault %s", ErrInvalidVault, params.Vault)
	}

	derived := Address(signer.Derive(params.Nonce, params.Mint[:], d.Key[:]))
	if derived != params.ProgramSigner || derived != vault.Owner {
		return NilIndex8, ErrInvalidProgramSigner
	}
	if vault.Mint != params.Mint {
		return NilIndex8, ErrInvalidMint
	}

	index := d.AssetCount
	d.Assets[index] = AssetRecord{
		Valid:                  true,
		Symbol:                 sym,
		Decimals:               params.Decimals,
		Nonce:                  params.Nonce,
		Mint:                   params.Mint,
		Vault:                  params.Vault,
		ProgramSigner:          derived,
		OracleSource:           params.OracleSource,
		Oracle:                 params.Oracle,
		BorrowFeeRate:          params.BorrowFeeRate,
		AddLiquidityFeeRate:    params.AddLiquidityFeeRate,
		RemoveLiquidityFeeRate: params.RemoveLiquidityFeeRate,
		SwapFeeRate:            params.SwapFeeRate,
		TargetWeight:           params.TargetWeight,
	}
	d.AssetCount++

	if params.OracleSource == OracleStableCoin && d.UsdcAssetIndex == NilIndex8 {
		d.UsdcAssetIndex = index
	}
	return index, nil
}

// SetRewardAsset designates the asset fee sweeps settle into.
func (d *Dex) SetRewardAsset(caller Address, assetIndex uint8) error {
	if err := d.requireAuthority(caller); err != nil {
		return err
	}
	if _, err := d.asset(assetIndex); err != nil {
		return err
	}
	d.VlpPool.RewardAssetIndex = assetIndex
	return nil
}

// MarketParams configures AddMarket.
type MarketParams struct {
	Symbol              string
	Decimals            uint8
	Oracle              Address
	OracleSource        OracleSource
	AssetIndex          uint8
	SignificantDecimals uint8

	MinimumOpenAmount       uint64
	ChargeBorrowFeeInterval int64
	OpenFeeRate             uint16
	CloseFeeRate            uint16
	LiquidateFeeRate        uint16
	LiquidateThreshold      uint8
	MaxLeverage             uint32
	OrderPoolPages          uint8
}

// AddMarket registers a leveraged market with an empty book and a fresh
// order pool.
func (d *Dex) AddMarket(caller Address, params MarketParams) (uint8, error) {
	if d.Magic != DexMagic {
		return NilIndex8, ErrInvalidMagic
	}
	if err := d.requireAuthority(caller); err != nil {
		return NilIndex8, err
	}

	sym := NewSymbol(params.Symbol)
	for i := range d.Markets {
		if d.Markets[i].Valid && d.Markets[i].Symbol == sym {
			return NilIndex8, fmt.Errorf("%w: %s", ErrDuplicateMarketName, params.Symbol)
		}
	}
	if d.MarketCount >= MaxMarketCount {
		return NilIndex8, ErrMarketsFull
	}
	if _, err := d.asset(params.AssetIndex); err != nil {
		return NilIndex8, err
	}
	if params.MaxLeverage == 0 || uint64(params.MaxLeverage) < LeverageBase {
		return NilIndex8, ErrInvalidLeverage
	}
	if params.LiquidateThreshold == 0 || params.LiquidateThreshold >= 100 {
		return NilIndex8, ErrInvalidAmount
	}

	index := d.MarketCount
	rec := MarketRecord{
		Valid:                   true,
		Symbol:                  sym,
		Decimals:                params.Decimals,
		Oracle:                  params.Oracle,
		OracleSource:            params.OracleSource,
		AssetIndex:              params.AssetIndex,
		SignificantDecimals:     params.SignificantDecimals,
		MinimumOpenAmount:       params.MinimumOpenAmount,
		ChargeBorrowFeeInterval: params.ChargeBorrowFeeInterval,
		OpenFeeRate:             params.OpenFeeRate,
		CloseFeeRate:            params.CloseFeeRate,
		LiquidateFeeRate:        params.LiquidateFeeRate,
		LiquidateThreshold:      params.LiquidateThreshold,
		MaxLeverage:             params.MaxLeverage,
		OrderBook:               NewOrderBook(),
		OrderPool:               NewOrderPool(params.OrderPoolPages),
	}
	rec.GlobalLong.zero(true, index)
	rec.GlobalShort.zero(false, index)
	d.Markets[index] = rec
	d.MarketCount++
	return index, nil
}

// feeRates assembles the fee bundle position math consumes for a market.
func (d *Dex) feeRates(mi *MarketRecord) *MarketFeeRates {
	borrowRate := uint16(0)
	if asset, err := d.asset(mi.AssetIndex); err == nil {
		borrowRate = asset.BorrowFeeRate
	}
	return &MarketFeeRates{
		ChargeBorrowFeeInterval: mi.ChargeBorrowFeeInterval,
		MinimumCollateral:       mi.MinimumOpenAmount,
		BorrowFeeRate:           borrowRate,
		OpenFeeRate:             mi.OpenFeeRate,
		CloseFeeRate:            mi.CloseFeeRate,
		LiquidateFeeRate:        mi.LiquidateFeeRate,
		LiquidateThreshold:      mi.LiquidateThreshold,
		BaseDecimals:            mi.Decimals,
	}
}

// SetDelegate grants operational authority to a second address.
func (d *Dex) SetDelegate(caller, delegate Address) error {
	if caller != d.Authority {
		return ErrNotAllowed
	}
	d.Delegate = delegate
	return nil
}

// SetFeeRates adjusts the fee schedule of a registered asset.
func (d *Dex) SetFeeRates(caller Address, assetIndex uint8, borrow, add, remove, swap uint16) error {
	if err := d.requireAuthority(caller); err != nil {
		return err
	}
	asset, err := d.asset(assetIndex)
	if err != nil {
		return err
	}
	asset.BorrowFeeRate = borrow
	asset.AddLiquidityFeeRate = add
	asset.RemoveLiquidityFeeRate = remove
	asset.SwapFeeRate = swap
	return nil
}

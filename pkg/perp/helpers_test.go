package perp

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/signer"
)

// testTokens is an in-memory token ledger for exercising vault flows.
type testTokens struct {
	accounts map[Address]*TokenAccount
}

func newTestTokens() *testTokens {
	return &testTokens{accounts: make(map[Address]*TokenAccount)}
}

func (t *testTokens) add(addr, mint, owner Address, balance uint64) {
	t.accounts[addr] = &TokenAccount{Address: addr, Mint: mint, Owner: owner, Balance: balance}
}

func (t *testTokens) Account(addr Address) (TokenAccount, error) {
	acc, ok := t.accounts[addr]
	if !ok {
		return TokenAccount{}, fmt.Errorf("no account %s", addr)
	}
	return *acc, nil
}

func (t *testTokens) Transfer(from, to Address, amount uint64) error {
	src, ok := t.accounts[from]
	if !ok || src.Balance < amount {
		return ErrInsufficientBalance
	}
	dst, ok := t.accounts[to]
	if !ok {
		return fmt.Errorf("no account %s", to)
	}
	src.Balance -= amount
	dst.Balance += amount
	return nil
}

func (t *testTokens) MintTo(to Address, amount uint64) error {
	acc, ok := t.accounts[to]
	if !ok {
		return fmt.Errorf("no account %s", to)
	}
	acc.Balance += amount
	return nil
}

func (t *testTokens) Burn(from Address, amount uint64) error {
	acc, ok := t.accounts[from]
	if !ok || acc.Balance < amount {
		return ErrInsufficientBalance
	}
	acc.Balance -= amount
	return nil
}

// testOracles is a writable oracle book.
type testOracles struct {
	quotes map[Address]OracleQuote
}

func newTestOracles() *testOracles {
	return &testOracles{quotes: make(map[Address]OracleQuote)}
}

func (o *testOracles) set(addr Address, usdcPrice uint64) {
	o.quotes[addr] = OracleQuote{Raw: usdcPrice, Expo: 0}
}

func (o *testOracles) Quote(addr Address) (OracleQuote, error) {
	q, ok := o.quotes[addr]
	if !ok {
		return OracleQuote{}, fmt.Errorf("no quote for %s", addr)
	}
	return q, nil
}

// testUsers satisfies UserStore.
type testUsers map[Address]*UserState

func (u testUsers) User(owner Address) (*UserState, error) {
	us, ok := u[owner]
	if !ok {
		return nil, ErrInvalidUserState
	}
	return us, nil
}

func addr(tag string) Address {
	return AddressFromBytes([]byte(tag))
}

// testEnv wires a dex with BTC (9 decimals, $20,000), SOL (9 decimals,
// $20) and USDC (stablecoin) assets plus a BTC market, mirroring the fee
// schedule the liquidity scenarios assume (1% add, 1% remove).
type testEnv struct {
	dex     *Dex
	tokens  *testTokens
	oracles *testOracles

	btcIndex  uint8
	solIndex  uint8
	usdcIndex uint8
	btcMarket uint8

	btcOracle Address
	solOracle Address
	btcVault  Address
	solVault  Address
	usdcVault Address
}

func (e *testEnv) registerAsset(t *testing.T, params AssetParams) uint8 {
	t.Helper()
	index, err := e.dex.AddAsset(e.dex.Authority, params, e.tokens)
	require.NoError(t, err)
	return index
}

// assetSetup provisions a mint, a vault owned by the derived signer, and
// returns ready AddAsset params.
func (e *testEnv) assetSetup(symbol string, decimals uint8, source OracleSource, oracle Address) AssetParams {
	mint := addr("mint-" + symbol)
	vault := addr("vault-" + symbol)
	sig, nonce := signer.Find(mint[:], e.dex.Key[:])
	e.tokens.add(vault, mint, Address(sig), 0)
	return AssetParams{
		Symbol:                 symbol,
		Decimals:               decimals,
		Nonce:                  nonce,
		Mint:                   mint,
		Vault:                  vault,
		ProgramSigner:          Address(sig),
		Oracle:                 oracle,
		OracleSource:           source,
		BorrowFeeRate:          10,
		AddLiquidityFeeRate:    100,
		RemoveLiquidityFeeRate: 100,
		SwapFeeRate:            10,
		TargetWeight:           300,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		tokens:    newTestTokens(),
		oracles:   newTestOracles(),
		btcOracle: addr("oracle-BTC"),
		solOracle: addr("oracle-SOL"),
	}
	e.dex = NewDex(DexParams{
		Key:       addr("dex"),
		Authority: addr("authority"),
		VlpMint:   addr("vlp-mint"),
		VlpVault:  addr("vlp-vault"),
		VlpNonce:  255,
		PriceFeed: addr("price-feed"),
	})

	e.oracles.set(e.btcOracle, 20_000*USDCPow)
	e.oracles.set(e.solOracle, 20*USDCPow)

	btc := e.assetSetup("BTC", 9, OracleMock, e.btcOracle)
	sol := e.assetSetup("SOL", 9, OracleMock, e.solOracle)
	usdc := e.assetSetup("USDC", 6, OracleStableCoin, ZeroAddress)

	e.btcIndex = e.registerAsset(t, btc)
	e.solIndex = e.registerAsset(t, sol)
	e.usdcIndex = e.registerAsset(t, usdc)
	e.btcVault = btc.Vault
	e.solVault = sol.Vault
	e.usdcVault = usdc.Vault

	market, err := e.dex.AddMarket(e.dex.Authority, MarketParams{
		Symbol:                  "BTC-PERP",
		Decimals:                9,
		Oracle:                  e.btcOracle,
		OracleSource:            OracleMock,
		AssetIndex:              e.btcIndex,
		SignificantDecimals:     2,
		MinimumOpenAmount:       100 * USDCPow,
		ChargeBorrowFeeInterval: 3600,
		OpenFeeRate:             20,
		CloseFeeRate:            20,
		LiquidateFeeRate:        50,
		LiquidateThreshold:      10,
		MaxLeverage:             30_000,
		OrderPoolPages:          2,
	})
	require.NoError(t, err)
	e.btcMarket = market
	return e
}

// newUser provisions a user state and a funding account per asset mint.
func (e *testEnv) newUser(tag string, orderSlots, positionSlots, assetSlots uint8) (*UserState, Address) {
	owner := addr("user-" + tag)
	funding := addr("funding-" + tag)
	e.tokens.add(funding, ZeroAddress, owner, 0)
	return NewUserState(owner, orderSlots, positionSlots, assetSlots), funding
}

func (e *testEnv) fund(funding Address, amount uint64) {
	e.tokens.accounts[funding].Balance += amount
}

func (e *testEnv) vaultBalance(t *testing.T, vault Address) uint64 {
	t.Helper()
	acc, err := e.tokens.Account(vault)
	require.NoError(t, err)
	return acc.Balance
}

package perp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tradeEnv seeds pool liquidity and provisions a funded trader with a user
// state the crank can resolve.
type tradeEnv struct {
	*testEnv
	users   testUsers
	trader  *UserState
	funding Address
}

func newTradeEnv(t *testing.T) *tradeEnv {
	t.Helper()
	e := newTestEnv(t)

	lp, lpFunding := e.newUser("lp", 8, 8, 8)
	e.fund(lpFunding, btc(20.0)+usdc(100_000))
	_, err := e.dex.AddLiquidity(lp, lpFunding, e.btcIndex, btc(20.0), e.tokens, e.oracles, 1000)
	require.NoError(t, err)
	_, err = e.dex.AddLiquidity(lp, lpFunding, e.usdcIndex, usdc(100_000), e.tokens, e.oracles, 1000)
	require.NoError(t, err)

	trader, funding := e.newUser("trader", 16, 8, 8)
	e.fund(funding, btc(2.0)+usdc(10_000))
	require.NoError(t, e.dex.DepositAsset(trader, funding, e.btcIndex, btc(1.0), e.tokens))
	require.NoError(t, e.dex.DepositAsset(trader, funding, e.usdcIndex, usdc(5000), e.tokens))

	return &tradeEnv{
		testEnv: e,
		users:   testUsers{trader.Meta.Owner: trader},
		trader:  trader,
		funding: funding,
	}
}

// crankAll fills crossed orders and drains the match queue.
func (e *tradeEnv) crankAll(t *testing.T, now int64) {
	t.Helper()
	_, err := e.dex.FillOrder(e.btcMarket, e.oracles)
	require.NoError(t, err)
	for {
		err := e.dex.Crank(e.users, e.oracles, now)
		if err != nil {
			require.ErrorIs(t, err, ErrNoMatchEvent)
			return
		}
	}
}

func TestDepositWithdrawAsset(t *testing.T) {
	e := newTradeEnv(t)

	assert.Equal(t, btc(1.0), e.trader.AssetBalance(e.btcIndex))
	require.NoError(t, e.dex.WithdrawAsset(e.trader, e.funding, e.btcIndex, btc(0.4), e.tokens))
	assert.Equal(t, btc(0.6), e.trader.AssetBalance(e.btcIndex))

	err := e.dex.WithdrawAsset(e.trader, e.funding, e.btcIndex, btc(0.7), e.tokens)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestBidValidation(t *testing.T) {
	e := newTradeEnv(t)

	// Two significant decimals: prices align to $0.01.
	_, err := e.dex.Bid(e.trader, e.btcMarket, true, 19_500*USDCPow+1, btc(0.1), 10_000, e.oracles, 1000)
	assert.ErrorIs(t, err, ErrInvalidPrice)

	// A long must rest below the market, a short above.
	_, err = e.dex.Bid(e.trader, e.btcMarket, true, usdc(20_500), btc(0.1), 10_000, e.oracles, 1000)
	assert.ErrorIs(t, err, ErrPriceGTMarketPrice)
	_, err = e.dex.Bid(e.trader, e.btcMarket, false, usdc(19_500), usdc(1000), 10_000, e.oracles, 1000)
	assert.ErrorIs(t, err, ErrPriceLTMarketPrice)

	// Leverage bounds: below 1x and above the market cap.
	_, err = e.dex.Bid(e.trader, e.btcMarket, true, usdc(19_500), btc(0.1), 500, e.oracles, 1000)
	assert.ErrorIs(t, err, ErrInvalidLeverage)
	_, err = e.dex.Bid(e.trader, e.btcMarket, true, usdc(19_500), btc(0.1), 40_000, e.oracles, 1000)
	assert.ErrorIs(t, err, ErrInvalidLeverage)

	// 0.001 BTC is $20, under the $100 minimum.
	_, err = e.dex.Bid(e.trader, e.btcMarket, true, usdc(19_500), btc(0.001), 10_000, e.oracles, 1000)
	assert.ErrorIs(t, err, ErrBelowMinimumOpenAmount)

	// The minimum is checked net of the open fee: $101 gross at 10x pays
	// ~$2 in fees and lands under the $100 line.
	_, err = e.dex.Bid(e.trader, e.btcMarket, true, usdc(19_500), 5_050_000, 10_000, e.oracles, 1000)
	assert.ErrorIs(t, err, ErrBelowMinimumOpenAmount)
}

func TestBidReservesCollateral(t *testing.T) {
	e := newTradeEnv(t)

	_, err := e.dex.Bid(e.trader, e.btcMarket, true, usdc(19_500), btc(0.5), 10_000, e.oracles, 1000)
	require.NoError(t, err)
	assert.Equal(t, btc(0.5), e.trader.AssetBalance(e.btcIndex))
	assert.Equal(t, uint32(1), e.dex.Markets[e.btcMarket].OrderBook.Depth(SideBid))
}

func TestCancelRefundsBidCollateral(t *testing.T) {
	e := newTradeEnv(t)

	slot, err := e.dex.Bid(e.trader, e.btcMarket, true, usdc(19_500), btc(0.5), 10_000, e.oracles, 1000)
	require.NoError(t, err)

	require.NoError(t, e.dex.Cancel(e.trader, slot))
	assert.Equal(t, btc(1.0), e.trader.AssetBalance(e.btcIndex))
	assert.Zero(t, e.dex.Markets[e.btcMarket].OrderBook.Depth(SideBid))
	assert.Zero(t, e.dex.Markets[e.btcMarket].OrderPool.Allocated)
}

func TestBidFillCrankOpensPosition(t *testing.T) {
	e := newTradeEnv(t)
	market := &e.dex.Markets[e.btcMarket]
	asset := &e.dex.Assets[e.btcIndex]
	liquidityBefore := asset.LiquidityAmount
	feesBefore := asset.FeeAmount

	_, err := e.dex.Bid(e.trader, e.btcMarket, true, usdc(19_500), btc(0.5), 10_000, e.oracles, 1000)
	require.NoError(t, err)

	// Above the limit nothing crosses.
	n, err := e.dex.FillOrder(e.btcMarket, e.oracles)
	require.NoError(t, err)
	assert.Zero(t, n)

	// The market dips to the limit; the bid fills and the crank settles it
	// at the limit price.
	e.oracles.set(e.btcOracle, usdc(19_400))
	e.crankAll(t, 2000)

	pos, err := e.trader.GetPosition(e.btcMarket, true)
	require.NoError(t, err)
	assert.Equal(t, usdc(19_500), pos.AveragePrice)
	assert.Greater(t, pos.Size, uint64(0))
	assert.Equal(t, pos.Size, pos.BorrowedAmount)

	// The borrow left pool liquidity; the open fee accrued to the asset.
	assert.Equal(t, liquidityBefore-pos.BorrowedAmount, asset.LiquidityAmount)
	assert.Greater(t, asset.FeeAmount, feesBefore)

	// The order is fully retired and mirrored into the global book.
	assert.Zero(t, market.OrderPool.Allocated)
	assert.Empty(t, e.trader.OrderSlots())
	assert.Equal(t, pos.Size, market.GlobalLong.Size)
}

func TestAskFillCrankClosesPosition(t *testing.T) {
	e := newTradeEnv(t)
	asset := &e.dex.Assets[e.btcIndex]

	_, err := e.dex.Bid(e.trader, e.btcMarket, true, usdc(19_500), btc(0.5), 10_000, e.oracles, 1000)
	require.NoError(t, err)
	e.oracles.set(e.btcOracle, usdc(19_400))
	e.crankAll(t, 2000)

	pos, err := e.trader.GetPosition(e.btcMarket, true)
	require.NoError(t, err)

	// Take profit at $21,000.
	_, err = e.dex.Ask(e.trader, e.btcMarket, true, usdc(21_000), pos.Size, 3000)
	require.NoError(t, err)
	posAfter, err := e.trader.GetPosition(e.btcMarket, true)
	require.NoError(t, err)
	assert.Equal(t, pos.Size, posAfter.ClosingSize)

	balanceBefore := e.trader.AssetBalance(e.btcIndex)
	e.oracles.set(e.btcOracle, usdc(21_500))
	e.crankAll(t, 4000)

	posAfter, err = e.trader.GetPosition(e.btcMarket, true)
	require.NoError(t, err)
	assert.Zero(t, posAfter.Size)
	assert.Zero(t, posAfter.ClosingSize)
	assert.Zero(t, e.dex.Markets[e.btcMarket].GlobalLong.Size)

	// Profitable close: collateral plus PnL net of fees lands back in the
	// trader's slot.
	assert.Greater(t, e.trader.AssetBalance(e.btcIndex), balanceBefore)
	assert.GreaterOrEqual(t, e.vaultBalance(t, e.btcVault), asset.LiquidityAmount+asset.FeeAmount)
}

func TestCancelAskReleasesReservation(t *testing.T) {
	e := newTradeEnv(t)

	_, err := e.dex.Bid(e.trader, e.btcMarket, true, usdc(19_500), btc(0.5), 10_000, e.oracles, 1000)
	require.NoError(t, err)
	e.oracles.set(e.btcOracle, usdc(19_400))
	e.crankAll(t, 2000)

	pos, err := e.trader.GetPosition(e.btcMarket, true)
	require.NoError(t, err)

	slot, err := e.dex.Ask(e.trader, e.btcMarket, true, usdc(21_000), pos.Size, 3000)
	require.NoError(t, err)
	require.NoError(t, e.dex.Cancel(e.trader, slot))

	posAfter, err := e.trader.GetPosition(e.btcMarket, true)
	require.NoError(t, err)
	assert.Zero(t, posAfter.ClosingSize)
	assert.Equal(t, pos.Size, posAfter.Size)
}

func TestMarketClosePosition(t *testing.T) {
	e := newTradeEnv(t)

	_, err := e.dex.Bid(e.trader, e.btcMarket, true, usdc(19_500), btc(0.5), 10_000, e.oracles, 1000)
	require.NoError(t, err)
	e.oracles.set(e.btcOracle, usdc(19_400))
	e.crankAll(t, 2000)

	pos, err := e.trader.GetPosition(e.btcMarket, true)
	require.NoError(t, err)

	e.oracles.set(e.btcOracle, usdc(20_000))
	require.NoError(t, e.dex.ClosePosition(e.trader, e.btcMarket, true, pos.Size, e.oracles, 3000))

	posAfter, err := e.trader.GetPosition(e.btcMarket, true)
	require.NoError(t, err)
	assert.Zero(t, posAfter.Size)
}

func TestLiquidate(t *testing.T) {
	e := newTradeEnv(t)

	_, err := e.dex.Bid(e.trader, e.btcMarket, true, usdc(19_500), btc(0.5), 10_000, e.oracles, 1000)
	require.NoError(t, err)
	e.oracles.set(e.btcOracle, usdc(19_400))
	e.crankAll(t, 2000)

	// A pending take-profit ask should be swept away by the liquidation.
	pos, err := e.trader.GetPosition(e.btcMarket, true)
	require.NoError(t, err)
	_, err = e.dex.Ask(e.trader, e.btcMarket, true, usdc(21_000), pos.Size/2, 3000)
	require.NoError(t, err)

	// Healthy at a mild drawdown.
	e.oracles.set(e.btcOracle, usdc(19_300))
	err = e.dex.Liquidate(e.trader, e.btcMarket, true, e.oracles, 4000)
	assert.ErrorIs(t, err, ErrRequireNoLiquidation)

	// 10x long from $19,500 is under water past ~10% down.
	e.oracles.set(e.btcOracle, usdc(17_500))
	require.NoError(t, e.dex.Liquidate(e.trader, e.btcMarket, true, e.oracles, 5000))

	posAfter, err := e.trader.GetPosition(e.btcMarket, true)
	require.NoError(t, err)
	assert.Zero(t, posAfter.Size)
	assert.Empty(t, e.trader.OrderSlots())
	assert.Zero(t, e.dex.Markets[e.btcMarket].OrderPool.Allocated)
}

func TestFillOrderBoundedPerSide(t *testing.T) {
	e := newTradeEnv(t)

	for n := 0; n < MaxFilledPerCrank+2; n++ {
		_, err := e.dex.Bid(e.trader, e.btcMarket, true, usdc(19_000), btc(0.01), 10_000, e.oracles, 1000)
		require.NoError(t, err)
	}

	e.oracles.set(e.btcOracle, usdc(18_000))
	filled, err := e.dex.FillOrder(e.btcMarket, e.oracles)
	require.NoError(t, err)
	assert.Equal(t, MaxFilledPerCrank, filled)
	assert.Equal(t, uint32(2), e.dex.Markets[e.btcMarket].OrderBook.Depth(SideBid))
	assert.Equal(t, MaxFilledPerCrank, e.dex.MatchQueue.Len())
}

func TestCancelAll(t *testing.T) {
	e := newTradeEnv(t)

	for n := 0; n < 3; n++ {
		_, err := e.dex.Bid(e.trader, e.btcMarket, true, usdc(19_000), btc(0.1), 10_000, e.oracles, 1000)
		require.NoError(t, err)
	}
	assert.Equal(t, btc(0.7), e.trader.AssetBalance(e.btcIndex))

	require.NoError(t, e.dex.CancelAll(e.trader))
	assert.Equal(t, btc(1.0), e.trader.AssetBalance(e.btcIndex))
	assert.Zero(t, e.dex.Markets[e.btcMarket].OrderBook.Depth(SideBid))
}

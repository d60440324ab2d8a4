package perp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func btc(v float64) uint64 {
	return uint64(v * 1e9)
}

func usdc(v float64) uint64 {
	return uint64(v * 1e6)
}

func mockRates() *MarketFeeRates {
	return &MarketFeeRates{
		ChargeBorrowFeeInterval: 3600,
		MinimumCollateral:       usdc(200),
		BorrowFeeRate:           10,
		OpenFeeRate:             20,
		CloseFeeRate:            20,
		LiquidateFeeRate:        50,
		LiquidateThreshold:      10,
		BaseDecimals:            9,
	}
}

func TestOpenLong(t *testing.T) {
	us := NewUserState(addr("alice"), 8, 8, 8)
	mfr := mockRates()
	t0 := int64(1000)

	res, err := us.OpenPosition(0, usdc(20_000), btc(1.0), true, 20*1000, mfr, t0)
	require.NoError(t, err)

	// 1e9 * 20*20000 / (10000*1000 + 20*20000)
	wantFee := uint64(38_461_538)
	wantCollateral := btc(1.0) - wantFee
	assert.Equal(t, wantFee, res.OpenFee)
	assert.Equal(t, wantCollateral, res.Collateral)
	assert.Equal(t, wantCollateral*20, res.Size)
	assert.Equal(t, wantCollateral*20, res.Borrow)

	long, err := us.GetPosition(0, true)
	require.NoError(t, err)
	assert.Equal(t, wantCollateral*20, long.Size)
	assert.Equal(t, usdc(20_000), long.AveragePrice)
	assert.Equal(t, wantCollateral, long.Collateral)
	assert.Equal(t, wantCollateral*20, long.BorrowedAmount)
	assert.Zero(t, long.CumulativeFundFee)

	// Augment two hours later at a higher price: sizes merge, the average
	// is size-weighted, and borrow fees accrue on the original borrow.
	const hours2 = 2 * 3600
	res, err = us.OpenPosition(0, usdc(26_000), btc(1.0), true, 20*1000, mfr, t0+hours2)
	require.NoError(t, err)
	assert.Equal(t, wantFee, res.OpenFee)

	long, err = us.GetPosition(0, true)
	require.NoError(t, err)
	assert.Equal(t, wantCollateral*20*2, long.Size)
	assert.Equal(t, usdc(23_000), long.AveragePrice)
	assert.Equal(t, wantCollateral*2, long.Collateral)

	wantFundFee := wantCollateral * 20 * 10 * 2 / FeeRateBase
	assert.Equal(t, wantFundFee, long.CumulativeFundFee)
}

func TestOpenShort(t *testing.T) {
	us := NewUserState(addr("alice"), 8, 8, 8)
	mfr := mockRates()
	leverage := uint64(10)

	res, err := us.OpenPosition(0, usdc(20_000), usdc(2000), false, uint32(leverage)*1000, mfr, 0)
	require.NoError(t, err)

	// 2e9 * 20*10000 / (10000*1000 + 20*10000)
	wantFee := uint64(39_215_686)
	wantCollateral := usdc(2000) - wantFee
	// 10x at $20,000 on a 9-decimal base: size = collateral*10*1e9/20000e6.
	wantSize, err := mulDivDiv(wantCollateral, leverage, pow10(9), 1, usdc(20_000))
	require.NoError(t, err)

	assert.Equal(t, wantFee, res.OpenFee)
	assert.Equal(t, wantCollateral, res.Collateral)
	assert.Equal(t, wantSize, res.Size)
	assert.Equal(t, wantCollateral*leverage, res.Borrow)

	short, err := us.GetPosition(0, false)
	require.NoError(t, err)
	assert.Equal(t, wantSize, short.Size)
	assert.Equal(t, usdc(20_000), short.AveragePrice)
	assert.Equal(t, wantCollateral*leverage, short.BorrowedAmount)
}

func TestOpenRejectsBadLeverage(t *testing.T) {
	us := NewUserState(addr("alice"), 8, 8, 8)
	_, err := us.OpenPosition(0, usdc(20_000), btc(1.0), true, 500, mockRates(), 0)
	assert.ErrorIs(t, err, ErrInvalidLeverage)
}

func TestCloseLongProfitAndLoss(t *testing.T) {
	mfr := mockRates()
	const hours2 = 2 * 3600

	for _, tc := range []struct {
		name       string
		leverage   uint64
		closePrice uint64
		profit     bool
	}{
		{"profit", 20, usdc(25_000), true},
		{"loss", 5, usdc(18_000), false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			us := NewUserState(addr("alice"), 8, 8, 8)
			t0 := int64(1000)
			res, err := us.OpenPosition(0, usdc(20_000), btc(1.0), true, uint32(tc.leverage)*1000, mfr, t0)
			require.NoError(t, err)

			closed, err := us.ClosePosition(0, res.Size, tc.closePrice, true, mfr, false, false, t0+hours2)
			require.NoError(t, err)

			wantBorrowFee := res.Borrow * 10 * 2 / FeeRateBase
			wantCloseFee := res.Size * 20 / FeeRateBase
			var diff uint64
			if tc.profit {
				diff = tc.closePrice - usdc(20_000)
			} else {
				diff = usdc(20_000) - tc.closePrice
			}
			mag, err := mulDiv(res.Size, diff, usdc(20_000))
			require.NoError(t, err)
			wantPnl := int64(mag)
			if !tc.profit {
				wantPnl = -wantPnl
			}

			assert.Equal(t, res.Borrow, closed.Returned)
			assert.Equal(t, res.Collateral, closed.CollateralUnlocked)
			assert.Equal(t, wantBorrowFee, closed.BorrowFee)
			assert.Equal(t, wantCloseFee, closed.CloseFee)
			assert.Equal(t, wantPnl, closed.Pnl)
		})
	}
}

func TestCloseShortProfitAndLoss(t *testing.T) {
	mfr := mockRates()
	leverage := uint64(10)
	const hours2 = 2 * 3600

	for _, tc := range []struct {
		name       string
		closePrice uint64
		profit     bool
	}{
		{"profit", usdc(18_000), true},
		{"loss", usdc(22_000), false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			us := NewUserState(addr("alice"), 8, 8, 8)
			t0 := int64(1000)
			res, err := us.OpenPosition(0, usdc(20_000), usdc(2000), false, uint32(leverage)*1000, mfr, t0)
			require.NoError(t, err)

			closed, err := us.ClosePosition(0, res.Size, tc.closePrice, false, mfr, false, false, t0+hours2)
			require.NoError(t, err)

			wantBorrowFee := res.Borrow * 10 * 2 / FeeRateBase
			wantCloseFee, err := mulDivDiv(res.Size, 20, tc.closePrice, FeeRateBase, pow10(9))
			require.NoError(t, err)
			var diff uint64
			if tc.profit {
				diff = usdc(20_000) - tc.closePrice
			} else {
				diff = tc.closePrice - usdc(20_000)
			}
			mag, err := mulDiv(res.Size, diff, pow10(9))
			require.NoError(t, err)
			wantPnl := int64(mag)
			if !tc.profit {
				wantPnl = -wantPnl
			}

			assert.Equal(t, res.Borrow, closed.Returned)
			assert.Equal(t, res.Collateral, closed.CollateralUnlocked)
			assert.Equal(t, wantBorrowFee, closed.BorrowFee)
			assert.Equal(t, wantCloseFee, closed.CloseFee)
			assert.Equal(t, wantPnl, closed.Pnl)
		})
	}
}

func TestCloseNoPosition(t *testing.T) {
	us := NewUserState(addr("alice"), 8, 8, 8)
	_, err := us.ClosePosition(0, btc(1.0), usdc(20_000), true, mockRates(), false, false, 0)
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestPartialCloseKeepsProRataShares(t *testing.T) {
	us := NewUserState(addr("alice"), 8, 8, 8)
	mfr := mockRates()
	res, err := us.OpenPosition(0, usdc(20_000), btc(1.0), true, 10*1000, mfr, 0)
	require.NoError(t, err)

	closed, err := us.ClosePosition(0, res.Size/2, usdc(21_000), true, mfr, false, false, 0)
	require.NoError(t, err)
	assert.Equal(t, res.Size/2, closed.ClosedSize)

	long, err := us.GetPosition(0, true)
	require.NoError(t, err)
	assert.Equal(t, res.Size-res.Size/2, long.Size)
	assert.Equal(t, res.Collateral-closed.CollateralUnlocked, long.Collateral)
	assert.Equal(t, res.Borrow-closed.Returned, long.BorrowedAmount)
}

func TestRequireLiquidate(t *testing.T) {
	mfr := mockRates()
	us := NewUserState(addr("alice"), 8, 8, 8)
	_, err := us.OpenPosition(0, usdc(20_000), btc(1.0), true, 10*1000, mfr, 0)
	require.NoError(t, err)

	pos, err := us.GetPosition(0, true)
	require.NoError(t, err)

	// A small dip is nowhere near the liquidation line.
	err = pos.RequireLiquidate(usdc(19_500), mfr, 0)
	assert.ErrorIs(t, err, ErrRequireNoLiquidation)

	// 10x levered: ~9% against wipes out ~90% of collateral.
	err = pos.RequireLiquidate(usdc(18_100), mfr, 0)
	assert.NoError(t, err)
}

func TestRequireLiquidateFeeDrainedFlatPrice(t *testing.T) {
	mfr := mockRates()
	us := NewUserState(addr("alice"), 8, 8, 8)
	t0 := int64(1000)
	_, err := us.OpenPosition(0, usdc(20_000), btc(1.0), true, 10*1000, mfr, t0)
	require.NoError(t, err)

	pos, err := us.GetPosition(0, true)
	require.NoError(t, err)

	// Flat price, borrow fees only: not enough accrued yet.
	err = pos.RequireLiquidate(usdc(20_000), mfr, t0+50*mfr.ChargeBorrowFeeInterval)
	assert.ErrorIs(t, err, ErrRequireNoLiquidation)

	// 100 intervals of borrow fees consume the whole collateral at zero
	// PnL; the position must be liquidatable on fees alone.
	err = pos.RequireLiquidate(usdc(20_000), mfr, t0+100*mfr.ChargeBorrowFeeInterval)
	assert.NoError(t, err)
}

func TestClosingReservation(t *testing.T) {
	us := NewUserState(addr("alice"), 8, 8, 8)
	mfr := mockRates()
	res, err := us.OpenPosition(0, usdc(20_000), btc(1.0), true, 10*1000, mfr, 0)
	require.NoError(t, err)

	pos, err := us.findOrNewPosition(0, false)
	require.NoError(t, err)

	reserved, err := pos.Side(true).AddClosing(res.Size)
	require.NoError(t, err)
	assert.Equal(t, res.Size, reserved)

	// Everything is reserved for pending asks; a market close must not
	// steal the size.
	_, err = us.ClosePosition(0, res.Size, usdc(21_000), true, mfr, false, false, 0)
	assert.ErrorIs(t, err, ErrCloseSizeTooLarge)

	pos.Side(true).SubClosing(reserved)
	_, err = us.ClosePosition(0, res.Size, usdc(21_000), true, mfr, false, false, 0)
	assert.NoError(t, err)
}

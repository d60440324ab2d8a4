package perp

import "github.com/holiman/uint256"

// MarketFeeRates bundles the per-market parameters position math needs.
// Rates are parts-per-10000, leverage parts-per-1000, the liquidate
// threshold a plain percentage of collateral.
type MarketFeeRates struct {
	ChargeBorrowFeeInterval int64
	MinimumCollateral       uint64
	BorrowFeeRate           uint16
	OpenFeeRate             uint16
	CloseFeeRate            uint16
	LiquidateFeeRate        uint16
	LiquidateThreshold      uint8
	BaseDecimals            uint8
}

// Position is one side of a leveraged market position. Long positions hold
// collateral, size and borrow in base-asset units; short positions hold
// collateral and borrow in USDC units with size in base-asset units.
type Position struct {
	Size              uint64 `json:"size"`
	Collateral        uint64 `json:"collateral"`
	AveragePrice      uint64 `json:"averagePrice"`
	ClosingSize       uint64 `json:"closingSize"`
	BorrowedAmount    uint64 `json:"borrowedAmount"`
	LastFillTime      int64  `json:"lastFillTime"`
	CumulativeFundFee uint64 `json:"cumulativeFundFee"`
	Long              bool   `json:"long"`
	Market            uint8  `json:"market"`
}

// zero resets the position keeping its identity fields.
func (p *Position) zero(long bool, market uint8) {
	*p = Position{Long: long, Market: market}
}

// OpenResult reports what an open (or augment) settled.
type OpenResult struct {
	Size       uint64
	Collateral uint64
	Borrow     uint64
	OpenFee    uint64
}

// openFee deducts the fee from the committed amount such that the levered
// notional of the remainder pays exactly openFeeRate:
// fee = amount*rate*lev / (FeeRateBase*LeverageBase + rate*lev).
func openFee(amount uint64, rate uint16, leverage uint32) (uint64, error) {
	num := new(uint256.Int).Mul(
		uint256.NewInt(amount),
		new(uint256.Int).Mul(uint256.NewInt(uint64(rate)), uint256.NewInt(uint64(leverage))),
	)
	den := uint256.NewInt(FeeRateBase*LeverageBase + uint64(rate)*uint64(leverage))
	fee := num.Div(num, den)
	if !fee.IsUint64() {
		return 0, ErrOverflow
	}
	return fee.Uint64(), nil
}

// Open opens or augments the position at price with the committed amount.
// The average price is size-weighted across fills. Accrued borrow fees on
// the existing borrow are settled into CumulativeFundFee first.
func (p *Position) Open(price, amount uint64, leverage uint32, mfr *MarketFeeRates, now int64) (OpenResult, error) {
	if price == 0 || amount == 0 {
		return OpenResult{}, ErrInvalidAmount
	}
	if uint64(leverage) < LeverageBase {
		return OpenResult{}, ErrInvalidLeverage
	}

	if err := p.chargeBorrowFee(mfr, now); err != nil {
		return OpenResult{}, err
	}

	fee, err := openFee(amount, mfr.OpenFeeRate, leverage)
	if err != nil {
		return OpenResult{}, err
	}
	collateral := amount - fee

	var size, borrow uint64
	if p.Long {
		// Collateral and exposure share the base asset.
		size, err = mulDiv(collateral, uint64(leverage), LeverageBase)
		if err != nil {
			return OpenResult{}, err
		}
		borrow = size
	} else {
		// Collateral rests in USDC; exposure is quoted in base units.
		size, err = mulDivDiv(collateral, uint64(leverage), pow10(mfr.BaseDecimals), LeverageBase, price)
		if err != nil {
			return OpenResult{}, err
		}
		borrow, err = mulDiv(collateral, uint64(leverage), LeverageBase)
		if err != nil {
			return OpenResult{}, err
		}
	}

	merged, err := weightedAverage(p.AveragePrice, p.Size, price, size)
	if err != nil {
		return OpenResult{}, err
	}
	p.AveragePrice = merged

	p.Size, err = safeAdd(p.Size, size)
	if err != nil {
		return OpenResult{}, err
	}
	p.Collateral, err = safeAdd(p.Collateral, collateral)
	if err != nil {
		return OpenResult{}, err
	}
	p.BorrowedAmount, err = safeAdd(p.BorrowedAmount, borrow)
	if err != nil {
		return OpenResult{}, err
	}
	p.LastFillTime = now

	return OpenResult{Size: size, Collateral: collateral, Borrow: borrow, OpenFee: fee}, nil
}

// CloseResult reports the settlement of a (partial) close.
//
// Returned is the borrow handed back to the pool; CollateralUnlocked is the
// freed collateral before PnL, fees and borrow fee are applied by the
// caller's settlement step.
type CloseResult struct {
	Returned           uint64
	CollateralUnlocked uint64
	Pnl                int64
	ClosedSize         uint64
	CloseFee           uint64
	BorrowFee          uint64
}

// Close closes up to size of the position at price. A liquidation close
// ignores the pending closing reservation; a limit-order close consumes it.
func (p *Position) Close(size, price uint64, mfr *MarketFeeRates, liquidate, limitOrder bool, now int64) (CloseResult, error) {
	if p.Size == 0 {
		return CloseResult{}, ErrNoPosition
	}
	if price == 0 {
		return CloseResult{}, ErrInvalidPrice
	}
	if err := p.chargeBorrowFee(mfr, now); err != nil {
		return CloseResult{}, err
	}

	closed := size
	if closed > p.Size {
		closed = p.Size
	}
	if !liquidate && !limitOrder {
		unclosing := p.Size - p.ClosingSize
		if closed > unclosing {
			return CloseResult{}, ErrCloseSizeTooLarge
		}
	}

	// Pro-rata share of collateral and borrow released by this close.
	unlocked, err := mulDiv(p.Collateral, closed, p.Size)
	if err != nil {
		return CloseResult{}, err
	}
	returned, err := mulDiv(p.BorrowedAmount, closed, p.Size)
	if err != nil {
		return CloseResult{}, err
	}

	var pnl int64
	var closeFee uint64
	if p.Long {
		// PnL and fee settle in base-asset units.
		diff := int64(price) - int64(p.AveragePrice)
		abs := diff
		if abs < 0 {
			abs = -abs
		}
		mag, err := mulDiv(closed, uint64(abs), p.AveragePrice)
		if err != nil {
			return CloseResult{}, err
		}
		if diff >= 0 {
			pnl = int64(mag)
		} else {
			pnl = -int64(mag)
		}
		closeFee, err = mulDiv(closed, uint64(mfr.CloseFeeRate), FeeRateBase)
		if err != nil {
			return CloseResult{}, err
		}
	} else {
		// PnL and fee settle in USDC.
		diff := int64(p.AveragePrice) - int64(price)
		abs := diff
		if abs < 0 {
			abs = -abs
		}
		mag, err := mulDiv(closed, uint64(abs), pow10(mfr.BaseDecimals))
		if err != nil {
			return CloseResult{}, err
		}
		if diff >= 0 {
			pnl = int64(mag)
		} else {
			pnl = -int64(mag)
		}
		closeFee, err = mulDivDiv(closed, uint64(mfr.CloseFeeRate), price, FeeRateBase, pow10(mfr.BaseDecimals))
		if err != nil {
			return CloseResult{}, err
		}
	}

	// Pro-rata share of the accrued borrow fee.
	borrowFee, err := mulDiv(p.CumulativeFundFee, closed, p.Size)
	if err != nil {
		return CloseResult{}, err
	}

	p.Size -= closed
	p.Collateral -= unlocked
	p.BorrowedAmount -= returned
	p.CumulativeFundFee -= borrowFee
	if limitOrder && p.ClosingSize >= closed {
		p.ClosingSize -= closed
	} else if p.ClosingSize > p.Size {
		p.ClosingSize = p.Size
	}
	if p.Size == 0 {
		p.zero(p.Long, p.Market)
	}

	return CloseResult{
		Returned:           returned,
		CollateralUnlocked: unlocked,
		Pnl:                pnl,
		ClosedSize:         closed,
		CloseFee:           closeFee,
		BorrowFee:          borrowFee,
	}, nil
}

// chargeBorrowFee accrues simple interest on the borrow once per full
// elapsed interval since the last fill.
func (p *Position) chargeBorrowFee(mfr *MarketFeeRates, now int64) error {
	if p.BorrowedAmount == 0 || p.LastFillTime == 0 || mfr.ChargeBorrowFeeInterval <= 0 {
		return nil
	}
	intervals := (now - p.LastFillTime) / mfr.ChargeBorrowFeeInterval
	if intervals <= 0 {
		return nil
	}
	fee, err := mulDiv(p.BorrowedAmount, uint64(mfr.BorrowFeeRate)*uint64(intervals), FeeRateBase)
	if err != nil {
		return err
	}
	p.CumulativeFundFee, err = safeAdd(p.CumulativeFundFee, fee)
	if err != nil {
		return err
	}
	p.LastFillTime = now
	return nil
}

// AddClosing reserves size for a pending ask order and returns the amount
// actually reserved.
func (p *Position) AddClosing(size uint64) (uint64, error) {
	avail := p.Size - p.ClosingSize
	if avail == 0 {
		return 0, ErrNoPosition
	}
	if size > avail {
		size = avail
	}
	p.ClosingSize += size
	return size, nil
}

// SubClosing releases a pending close reservation.
func (p *Position) SubClosing(size uint64) {
	if size > p.ClosingSize {
		size = p.ClosingSize
	}
	p.ClosingSize -= size
}

// RequireLiquidate decides whether the position is liquidatable at price:
// what the owner could withdraw after PnL and fees must have fallen to the
// liquidate threshold of the collateral or below. Fees alone can get it
// there, so flat or profitable positions are still candidates.
func (p *Position) RequireLiquidate(price uint64, mfr *MarketFeeRates, now int64) error {
	if p.Size == 0 {
		return ErrNoPosition
	}
	shadow := *p
	res, err := shadow.Close(shadow.Size, price, mfr, true, false, now)
	if err != nil {
		return err
	}

	cost, err := safeAdd(res.CloseFee, res.BorrowFee)
	if err != nil {
		return err
	}
	funds := res.CollateralUnlocked
	if res.Pnl >= 0 {
		funds, err = safeAdd(funds, uint64(res.Pnl))
		if err != nil {
			return err
		}
	} else {
		cost, err = safeAdd(cost, uint64(-res.Pnl))
		if err != nil {
			return err
		}
	}
	var withdrawable uint64
	if funds > cost {
		withdrawable = funds - cost
	}

	limit, err := mulDiv(res.CollateralUnlocked, uint64(mfr.LiquidateThreshold), 100)
	if err != nil {
		return err
	}
	if withdrawable <= limit {
		return nil
	}
	return ErrRequireNoLiquidation
}

// UserPosition pairs the long and short side of one market.
type UserPosition struct {
	Long   Position `json:"long"`
	Short  Position `json:"short"`
	Market uint8    `json:"market"`
}

func (up *UserPosition) init(market uint8) {
	up.Market = market
	up.Long.zero(true, market)
	up.Short.zero(false, market)
}

// Side selects the directional leg.
func (up *UserPosition) Side(long bool) *Position {
	if long {
		return &up.Long
	}
	return &up.Short
}

// weightedAverage merges two price levels by size.
func weightedAverage(p0, s0, p1, s1 uint64) (uint64, error) {
	if s0 == 0 {
		return p1, nil
	}
	if s1 == 0 {
		return p0, nil
	}
	a := new(uint256.Int).Mul(uint256.NewInt(p0), uint256.NewInt(s0))
	b := new(uint256.Int).Mul(uint256.NewInt(p1), uint256.NewInt(s1))
	sum := a.Add(a, b)
	avg := sum.Div(sum, uint256.NewInt(s0+s1))
	if !avg.IsUint64() {
		return 0, ErrOverflow
	}
	return avg.Uint64(), nil
}

// mulDiv computes a*b/c in 256-bit intermediates.
func mulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrInvalidAmount
	}
	n := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	n.Div(n, uint256.NewInt(c))
	if !n.IsUint64() {
		return 0, ErrOverflow
	}
	return n.Uint64(), nil
}

// mulDivDiv computes a*b*c/d/e in 256-bit intermediates.
func mulDivDiv(a, b, c, d, e uint64) (uint64, error) {
	if d == 0 || e == 0 {
		return 0, ErrInvalidAmount
	}
	n := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	n.Mul(n, uint256.NewInt(c))
	n.Div(n, uint256.NewInt(d))
	n.Div(n, uint256.NewInt(e))
	if !n.IsUint64() {
		return 0, ErrOverflow
	}
	return n.Uint64(), nil
}

// safeAdd adds with overflow detection.
func safeAdd(a, b uint64) (uint64, error) {
	s, ok := addCheck(a, b)
	if !ok {
		return 0, ErrOverflow
	}
	return s, nil
}

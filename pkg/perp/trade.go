package perp

import "fmt"

// UserStore resolves user state records by owner. The runtime backs it with
// the record map so cranks can settle orders of arbitrary users.
type UserStore interface {
	User(owner Address) (*UserState, error)
}

// DepositAsset moves funds from an external token account into the user's
// asset slot, held in the asset vault as trading collateral.
func (d *Dex) DepositAsset(user *UserState, fundingAcc Address, assetIndex uint8, amount uint64, tokens TokenLedger) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	asset, err := d.asset(assetIndex)
	if err != nil {
		return err
	}
	if err := tokens.Transfer(fundingAcc, asset.Vault, amount); err != nil {
		return err
	}
	return user.CreditAsset(assetIndex, amount)
}

// WithdrawAsset moves free balance from the user's asset slot back out of
// the vault.
func (d *Dex) WithdrawAsset(user *UserState, fundingAcc Address, assetIndex uint8, amount uint64, tokens TokenLedger) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	asset, err := d.asset(assetIndex)
	if err != nil {
		return err
	}
	if err := user.DebitAsset(assetIndex, amount); err != nil {
		return err
	}
	return tokens.Transfer(asset.Vault, fundingAcc, amount)
}

// collateralAsset picks the asset backing one direction of a market: longs
// post the base asset, shorts post the stablecoin.
func (d *Dex) collateralAsset(mi *MarketRecord, long bool) (uint8, *AssetRecord, error) {
	if long {
		asset, err := d.asset(mi.AssetIndex)
		return mi.AssetIndex, asset, err
	}
	if d.UsdcAssetIndex == NilIndex8 {
		return NilIndex8, nil, ErrInvalidAssetIndex
	}
	asset, err := d.asset(d.UsdcAssetIndex)
	return d.UsdcAssetIndex, asset, err
}

// checkPriceAlignment rejects limit prices finer than the market's
// significant decimals.
func checkPriceAlignment(price uint64, significantDecimals uint8) error {
	if price == 0 {
		return ErrInvalidPrice
	}
	if significantDecimals > USDCDecimals {
		return ErrInvalidPrice
	}
	step := pow10(USDCDecimals - significantDecimals)
	if price%step != 0 {
		return fmt.Errorf("%w: not aligned to %d", ErrInvalidPrice, step)
	}
	return nil
}

// Bid places a limit open order. Longs must rest below the market, shorts
// above; collateral is reserved from the user's asset slot immediately.
func (d *Dex) Bid(user *UserState, marketIndex uint8, long bool, price, amount uint64, leverage uint32, oracles OracleBook, now int64) (uint8, error) {
	mi, err := d.market(marketIndex)
	if err != nil {
		return NilIndex8, err
	}
	if err := checkPriceAlignment(price, mi.SignificantDecimals); err != nil {
		return NilIndex8, err
	}
	if uint64(leverage) < LeverageBase || leverage > mi.MaxLeverage {
		return NilIndex8, ErrInvalidLeverage
	}
	marketPrice, err := OraclePrice(mi.OracleSource, mi.Oracle, oracles)
	if err != nil {
		return NilIndex8, err
	}
	if long && price >= marketPrice {
		return NilIndex8, ErrPriceGTMarketPrice
	}
	if !long && price <= marketPrice {
		return NilIndex8, ErrPriceLTMarketPrice
	}

	assetIndex, asset, err := d.collateralAsset(mi, long)
	if err != nil {
		return NilIndex8, err
	}
	collateralPrice := marketPrice
	if !long {
		collateralPrice, err = d.assetPrice(asset, oracles)
		if err != nil {
			return NilIndex8, err
		}
	}
	// The minimum applies to the collateral left after the open fee.
	fee, err := openFee(amount, mi.OpenFeeRate, leverage)
	if err != nil {
		return NilIndex8, err
	}
	value, err := assetValueUsdc(amount-fee, collateralPrice, asset.Decimals)
	if err != nil {
		return NilIndex8, err
	}
	if value < mi.MinimumOpenAmount {
		return NilIndex8, ErrBelowMinimumOpenAmount
	}

	if err := user.DebitAsset(assetIndex, amount); err != nil {
		return NilIndex8, err
	}

	slot, order, err := mi.OrderPool.Alloc()
	if err != nil {
		return NilIndex8, err
	}
	order.Size = amount
	order.LimitPrice = price
	order.ListTime = now
	order.User = user.Meta.Owner
	order.Leverage = leverage
	order.Long = long
	order.Open = true
	order.Market = marketIndex

	userOrderSlot, err := user.NewBidOrder(slot, amount, price, leverage, long, marketIndex, assetIndex, now)
	if err != nil {
		return NilIndex8, err
	}
	order.UserOrderSlot = userOrderSlot
	if err := mi.OrderBook.Link(slot, order, mi.OrderPool); err != nil {
		return NilIndex8, err
	}
	return userOrderSlot, nil
}

// Ask places a limit close order against an open position, reserving the
// closing size so competing closes cannot oversell it.
func (d *Dex) Ask(user *UserState, marketIndex uint8, long bool, price, size uint64, now int64) (uint8, error) {
	mi, err := d.market(marketIndex)
	if err != nil {
		return NilIndex8, err
	}
	if err := checkPriceAlignment(price, mi.SignificantDecimals); err != nil {
		return NilIndex8, err
	}

	userOrderSlot, reserved, err := user.NewAskOrder(size, price, long, marketIndex, now)
	if err != nil {
		return NilIndex8, err
	}
	slot, order, err := mi.OrderPool.Alloc()
	if err != nil {
		return NilIndex8, err
	}
	order.Size = reserved
	order.LimitPrice = price
	order.ListTime = now
	order.User = user.Meta.Owner
	order.Long = long
	order.Open = false
	order.Market = marketIndex
	order.UserOrderSlot = userOrderSlot

	if err := user.SetAskOrderSlot(userOrderSlot, slot); err != nil {
		return NilIndex8, err
	}
	if err := mi.OrderBook.Link(slot, order, mi.OrderPool); err != nil {
		return NilIndex8, err
	}
	return userOrderSlot, nil
}

// Cancel withdraws a resting order, refunding reserved collateral for bids
// and releasing the closing reservation for asks.
func (d *Dex) Cancel(user *UserState, userOrderSlot uint8) error {
	uo, err := user.GetOrder(userOrderSlot)
	if err != nil {
		return err
	}
	mi, err := d.market(uo.Market)
	if err != nil {
		return err
	}
	if err := mi.OrderBook.Unlink(uo.OrderSlot, mi.OrderPool); err != nil {
		return err
	}
	if err := mi.OrderPool.Release(uo.OrderSlot); err != nil {
		return err
	}
	if _, err := user.UnlinkOrder(userOrderSlot, true); err != nil {
		return err
	}
	if uo.Open {
		return user.CreditAsset(uo.Asset, uo.Size)
	}
	return nil
}

// CancelAll withdraws every resting order of the user.
func (d *Dex) CancelAll(user *UserState) error {
	for _, slot := range user.OrderSlots() {
		if err := d.Cancel(user, slot); err != nil {
			return err
		}
	}
	return nil
}

// FillOrder walks one market's book at the current oracle price and queues
// a match event for every crossed order, bounded per side per call. Crossed
// orders leave the book but keep their pool slot until the crank settles
// them.
func (d *Dex) FillOrder(marketIndex uint8, oracles OracleBook) (int, error) {
	mi, err := d.market(marketIndex)
	if err != nil {
		return 0, err
	}
	marketPrice, err := OraclePrice(mi.OracleSource, mi.Oracle, oracles)
	if err != nil {
		return 0, err
	}

	filled := 0
	for _, side := range []OrderSide{SideBid, SideAsk} {
		for n := 0; n < MaxFilledPerCrank; n++ {
			slot, order, ok := mi.OrderBook.NextMatch(marketPrice, side, mi.OrderPool)
			if !ok {
				break
			}
			if err := mi.OrderBook.Unlink(slot, mi.OrderPool); err != nil {
				return filled, err
			}
			err := d.MatchQueue.Append(MatchEvent{
				User:          order.User,
				OrderSlot:     slot,
				UserOrderSlot: order.UserOrderSlot,
				Market:        marketIndex,
			})
			if err != nil {
				return filled, err
			}
			filled++
		}
	}
	return filled, nil
}

// Crank consumes one match event and settles its order at the order's limit
// price: bids open or augment a position, asks close one. Returns
// ErrNoMatchEvent when the queue is drained.
func (d *Dex) Crank(users UserStore, oracles OracleBook, now int64) error {
	ev, err := d.MatchQueue.Next()
	if err != nil {
		return err
	}
	mi, err := d.market(ev.Market)
	if err != nil {
		return err
	}
	user, err := users.User(ev.User)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidUserState, ev.User)
	}
	order, err := mi.OrderPool.Get(ev.OrderSlot)
	if err != nil {
		return err
	}
	if !order.InUse || order.UserOrderSlot != ev.UserOrderSlot {
		return ErrInvalidOrderSlot
	}

	uo, err := user.UnlinkOrder(ev.UserOrderSlot, false)
	if err != nil {
		return err
	}
	if err := mi.OrderPool.Release(ev.OrderSlot); err != nil {
		return err
	}

	if uo.Open {
		if err := d.settleOpen(user, mi, ev.Market, &uo, now); err != nil {
			return err
		}
	} else {
		if err := d.settleClose(user, mi, ev.Market, uo.Size, uo.Price, uo.Long, false, true, now); err != nil {
			return err
		}
	}
	user.IncSerial()
	d.Events.Append(Event{
		Kind:      EventOrderFilled,
		User:      ev.User,
		Market:    ev.Market,
		Long:      uo.Long,
		Price:     uo.Price,
		Size:      uo.Size,
		Timestamp: now,
	})
	return nil
}

// settleOpen applies a filled bid: the position opens at the limit price,
// the open fee accrues to the collateral asset, and the borrow is reserved
// out of pool liquidity.
func (d *Dex) settleOpen(user *UserState, mi *MarketRecord, marketIndex uint8, uo *UserOrder, now int64) error {
	assetIndex, asset, err := d.collateralAsset(mi, uo.Long)
	if err != nil {
		return err
	}
	if assetIndex != uo.Asset {
		return ErrInvalidAssetIndex
	}
	mfr := d.feeRates(mi)
	res, err := user.OpenPosition(marketIndex, uo.Price, uo.Size, uo.Long, uo.Leverage, mfr, now)
	if err != nil {
		return err
	}
	if asset.LiquidityAmount < res.Borrow {
		return fmt.Errorf("%w: borrow %d", ErrInsufficientLiquidity, res.Borrow)
	}
	asset.LiquidityAmount -= res.Borrow
	asset.FeeAmount, err = safeAdd(asset.FeeAmount, res.OpenFee)
	if err != nil {
		return err
	}

	global := &mi.GlobalLong
	if !uo.Long {
		global = &mi.GlobalShort
	}
	avg, err := weightedAverage(global.AveragePrice, global.Size, uo.Price, res.Size)
	if err != nil {
		return err
	}
	global.AveragePrice = avg
	global.Size += res.Size
	global.Collateral += res.Collateral
	global.BorrowedAmount += res.Borrow

	d.Events.Append(Event{
		Kind:      EventPositionOpened,
		User:      user.Meta.Owner,
		Market:    marketIndex,
		Long:      uo.Long,
		Price:     uo.Price,
		Size:      res.Size,
		Fee:       res.OpenFee,
		Timestamp: now,
	})
	return nil
}

// settleClose unwinds size of a position at price and squares the pool:
// the borrow returns to liquidity, fees accrue to the collateral asset,
// profit is paid from (and loss absorbed into) pool liquidity, and the
// remainder lands back in the user's asset slot.
func (d *Dex) settleClose(user *UserState, mi *MarketRecord, marketIndex uint8, size, price uint64, long, liquidate, limitOrder bool, now int64) error {
	assetIndex, asset, err := d.collateralAsset(mi, long)
	if err != nil {
		return err
	}
	mfr := d.feeRates(mi)
	if liquidate {
		rates := *mfr
		rates.CloseFeeRate = mfr.LiquidateFeeRate
		mfr = &rates
	}
	res, err := user.ClosePosition(marketIndex, size, price, long, mfr, liquidate, limitOrder, now)
	if err != nil {
		return err
	}

	fees := res.CloseFee + res.BorrowFee
	gross := int64(res.CollateralUnlocked) + res.Pnl

	var userGets, feeCollected uint64
	switch {
	case gross <= 0:
		// Loss swallowed the collateral; the pool absorbs the shortfall.
	case uint64(gross) <= fees:
		feeCollected = uint64(gross)
	default:
		feeCollected = fees
		userGets = uint64(gross) - fees
	}

	// Pool delta: borrow returns, plus whatever of the collateral neither
	// the user nor the fee bucket takes, minus profit paid out.
	poolIn := res.Returned + res.CollateralUnlocked
	poolOut := userGets + feeCollected
	if poolOut > poolIn && poolOut-poolIn > asset.LiquidityAmount {
		return fmt.Errorf("%w: settling close", ErrInsufficientLiquidity)
	}
	asset.LiquidityAmount = asset.LiquidityAmount + poolIn - poolOut
	asset.FeeAmount, err = safeAdd(asset.FeeAmount, feeCollected)
	if err != nil {
		return err
	}
	if userGets > 0 {
		if err := user.CreditAsset(assetIndex, userGets); err != nil {
			return err
		}
	}

	global := &mi.GlobalLong
	if !long {
		global = &mi.GlobalShort
	}
	if global.Size >= res.ClosedSize {
		global.Size -= res.ClosedSize
	} else {
		global.Size = 0
	}
	if global.Collateral >= res.CollateralUnlocked {
		global.Collateral -= res.CollateralUnlocked
	} else {
		global.Collateral = 0
	}
	if global.BorrowedAmount >= res.Returned {
		global.BorrowedAmount -= res.Returned
	} else {
		global.BorrowedAmount = 0
	}

	kind := EventPositionClosed
	if liquidate {
		kind = EventPositionLiquidated
	}
	d.Events.Append(Event{
		Kind:      kind,
		User:      user.Meta.Owner,
		Market:    marketIndex,
		Long:      long,
		Price:     price,
		Size:      res.ClosedSize,
		Fee:       feeCollected,
		Pnl:       res.Pnl,
		Amount:    userGets,
		Timestamp: now,
	})
	return nil
}

// ClosePosition closes size of the user's position at the current oracle
// price.
func (d *Dex) ClosePosition(user *UserState, marketIndex uint8, long bool, size uint64, oracles OracleBook, now int64) error {
	mi, err := d.market(marketIndex)
	if err != nil {
		return err
	}
	price, err := OraclePrice(mi.OracleSource, mi.Oracle, oracles)
	if err != nil {
		return err
	}
	return d.settleClose(user, mi, marketIndex, size, price, long, false, false, now)
}

// Liquidate force-closes an undercollateralized position at the oracle
// price, cancelling its pending close orders first. Healthy positions are
// rejected.
func (d *Dex) Liquidate(user *UserState, marketIndex uint8, long bool, oracles OracleBook, now int64) error {
	mi, err := d.market(marketIndex)
	if err != nil {
		return err
	}
	price, err := OraclePrice(mi.OracleSource, mi.Oracle, oracles)
	if err != nil {
		return err
	}
	pos, err := user.GetPosition(marketIndex, long)
	if err != nil {
		return err
	}
	mfr := d.feeRates(mi)
	rates := *mfr
	rates.CloseFeeRate = mfr.LiquidateFeeRate
	if err := pos.RequireLiquidate(price, &rates, now); err != nil {
		return err
	}

	// Pending asks on this side would settle against a position that is
	// about to vanish.
	for _, slot := range user.OrderSlots() {
		uo, err := user.GetOrder(slot)
		if err != nil {
			continue
		}
		if !uo.Open && uo.Market == marketIndex && uo.Long == long {
			if err := d.Cancel(user, slot); err != nil {
				return err
			}
		}
	}
	return d.settleClose(user, mi, marketIndex, pos.Size, price, long, true, false, now)
}

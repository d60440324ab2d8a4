package perp

import (
	"fmt"

	"github.com/holiman/uint256"
)

// assetPrice resolves an asset's current price in USDC micro-units.
func (d *Dex) assetPrice(asset *AssetRecord, oracles OracleBook) (uint64, error) {
	return OraclePrice(asset.OracleSource, asset.Oracle, oracles)
}

// assetValueUsdc values amount of an asset at price: amount*price/10^dec.
func assetValueUsdc(amount, price uint64, decimals uint8) (uint64, error) {
	return mulDiv(amount, price, pow10(decimals))
}

// usdcToAsset converts a USDC value into asset units: value*10^dec/price.
func usdcToAsset(value, price uint64, decimals uint8) (uint64, error) {
	return mulDiv(value, pow10(decimals), price)
}

// nav totals the pool's holdings in USDC micro-units. Deposits price shares
// against principal plus unswept fees; redemptions pay out of principal
// only, so each caller picks the basis.
func (d *Dex) nav(includeFees bool, oracles OracleBook) (uint64, error) {
	sum := new(uint256.Int)
	for i := range d.Assets {
		asset := &d.Assets[i]
		if !asset.Valid {
			continue
		}
		amount := asset.LiquidityAmount
		if includeFees {
			var err error
			amount, err = safeAdd(amount, asset.FeeAmount)
			if err != nil {
				return 0, err
			}
		}
		if amount == 0 {
			continue
		}
		price, err := d.assetPrice(asset, oracles)
		if err != nil {
			return 0, err
		}
		v := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(price))
		v.Div(v, uint256.NewInt(pow10(asset.Decimals)))
		sum.Add(sum, v)
	}
	if !sum.IsUint64() {
		return 0, ErrOverflow
	}
	return sum.Uint64(), nil
}

// sweepFees converts accrued per-asset fees into the reward settlement
// asset and books them into the staking pool. Fees held in the settlement
// asset itself move directly; other assets fold their fee units back into
// principal while an equivalent value is carved out of the settlement
// asset's liquidity. With no settlement asset designated the sweep is a
// no-op and fees keep accruing.
func (d *Dex) sweepFees(oracles OracleBook) error {
	r := d.VlpPool.RewardAssetIndex
	if r == NilIndex8 {
		return nil
	}
	rewardAsset, err := d.asset(r)
	if err != nil {
		return err
	}
	rewardPrice, err := d.assetPrice(rewardAsset, oracles)
	if err != nil {
		return err
	}

	for i := range d.Assets {
		asset := &d.Assets[i]
		if !asset.Valid || asset.FeeAmount == 0 {
			continue
		}
		if uint8(i) == r {
			reward := asset.FeeAmount
			asset.FeeAmount = 0
			if err := d.VlpPool.AddRewards(reward); err != nil {
				return err
			}
			continue
		}

		price, err := d.assetPrice(asset, oracles)
		if err != nil {
			return err
		}
		feeValue, err := assetValueUsdc(asset.FeeAmount, price, asset.Decimals)
		if err != nil {
			return err
		}
		rewardUnits, err := usdcToAsset(feeValue, rewardPrice, rewardAsset.Decimals)
		if err != nil {
			return err
		}
		if rewardAsset.LiquidityAmount < rewardUnits {
			return fmt.Errorf("%w: sweeping %s fees needs %d units of %s",
				ErrSettlementAssetNotFunded, asset.Symbol, rewardUnits, rewardAsset.Symbol)
		}

		rewardAsset.LiquidityAmount -= rewardUnits
		asset.LiquidityAmount, err = safeAdd(asset.LiquidityAmount, asset.FeeAmount)
		if err != nil {
			return err
		}
		asset.FeeAmount = 0
		if err := d.VlpPool.AddRewards(rewardUnits); err != nil {
			return err
		}
	}
	return nil
}

// AddLiquidity deposits amount of an asset into the pool and stakes the
// minted shares for the user. Prior fees are swept first; the first
// depositor sets the share price at one USDC net of fee.
func (d *Dex) AddLiquidity(user *UserState, fundingAcc Address, assetIndex uint8, amount uint64, tokens TokenLedger, oracles OracleBook, now int64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	asset, err := d.asset(assetIndex)
	if err != nil {
		return 0, err
	}
	if err := d.sweepFees(oracles); err != nil {
		return 0, err
	}

	// A non-settlement deposit accrues a fee that must later convert into
	// the settlement asset; without counter-liquidity there the conversion
	// can never fund, so reject up front.
	if r := d.VlpPool.RewardAssetIndex; r != NilIndex8 && r != assetIndex {
		rewardAsset, err := d.asset(r)
		if err != nil {
			return 0, err
		}
		if rewardAsset.LiquidityAmount == 0 {
			return 0, fmt.Errorf("%w: deposit %s before %s",
				ErrSettlementAssetNotFunded, asset.Symbol, rewardAsset.Symbol)
		}
	}

	price, err := d.assetPrice(asset, oracles)
	if err != nil {
		return 0, err
	}
	navBefore, err := d.nav(true, oracles)
	if err != nil {
		return 0, err
	}

	fee, err := mulDiv(amount, uint64(asset.AddLiquidityFeeRate), FeeRateBase)
	if err != nil {
		return 0, err
	}
	net := amount - fee
	netValue, err := assetValueUsdc(net, price, asset.Decimals)
	if err != nil {
		return 0, err
	}

	supply := d.VlpPool.StakedTotal
	var minted uint64
	if supply == 0 {
		minted, err = mulDiv(netValue, pow10(d.VlpPool.Decimals), USDCPow)
	} else {
		if navBefore == 0 {
			return 0, ErrZeroSupply
		}
		minted, err = mulDiv(netValue, supply, navBefore)
	}
	if err != nil {
		return 0, err
	}
	if minted == 0 {
		return 0, ErrInvalidAmount
	}

	if err := tokens.Transfer(fundingAcc, asset.Vault, amount); err != nil {
		return 0, err
	}
	asset.LiquidityAmount, err = safeAdd(asset.LiquidityAmount, net)
	if err != nil {
		return 0, err
	}
	asset.FeeAmount, err = safeAdd(asset.FeeAmount, fee)
	if err != nil {
		return 0, err
	}
	if err := user.EnterStakingVlp(&d.VlpPool, minted); err != nil {
		return 0, err
	}

	d.Events.Append(Event{
		Kind:      EventLiquidityAdded,
		User:      user.Meta.Owner,
		Asset:     assetIndex,
		Amount:    amount,
		Fee:       fee,
		Size:      minted,
		Price:     price,
		Timestamp: now,
	})
	return minted, nil
}

// RemoveLiquidity redeems vlpAmount staked shares for units of the chosen
// asset, net of the remove fee.
func (d *Dex) RemoveLiquidity(user *UserState, fundingAcc Address, assetIndex uint8, vlpAmount uint64, tokens TokenLedger, oracles OracleBook, now int64) (uint64, error) {
	if vlpAmount == 0 {
		return 0, ErrInvalidAmount
	}
	asset, err := d.asset(assetIndex)
	if err != nil {
		return 0, err
	}
	if err := d.sweepFees(oracles); err != nil {
		return 0, err
	}

	supply := d.VlpPool.StakedTotal
	if supply == 0 {
		return 0, ErrZeroSupply
	}
	nav, err := d.nav(false, oracles)
	if err != nil {
		return 0, err
	}
	price, err := d.assetPrice(asset, oracles)
	if err != nil {
		return 0, err
	}

	redeemValue, err := mulDiv(vlpAmount, nav, supply)
	if err != nil {
		return 0, err
	}
	withdraw, err := usdcToAsset(redeemValue, price, asset.Decimals)
	if err != nil {
		return 0, err
	}
	if withdraw == 0 {
		return 0, ErrInvalidAmount
	}
	if asset.LiquidityAmount < withdraw {
		return 0, fmt.Errorf("%w: %s", ErrInsufficientLiquidity, asset.Symbol)
	}
	fee, err := mulDiv(withdraw, uint64(asset.RemoveLiquidityFeeRate), FeeRateBase)
	if err != nil {
		return 0, err
	}

	if err := user.LeaveStakingVlp(&d.VlpPool, vlpAmount); err != nil {
		return 0, err
	}
	asset.LiquidityAmount -= withdraw
	asset.FeeAmount, err = safeAdd(asset.FeeAmount, fee)
	if err != nil {
		return 0, err
	}
	if err := tokens.Transfer(asset.Vault, fundingAcc, withdraw-fee); err != nil {
		return 0, err
	}

	d.Events.Append(Event{
		Kind:      EventLiquidityRemoved,
		User:      user.Meta.Owner,
		Asset:     assetIndex,
		Amount:    withdraw - fee,
		Fee:       fee,
		Size:      vlpAmount,
		Price:     price,
		Timestamp: now,
	})
	return withdraw - fee, nil
}

// MintVlpToken is the fee-free administrative share mint used to bootstrap
// or reward programs. Shares land staked under the authority's user state.
func (d *Dex) MintVlpToken(caller Address, user *UserState, amount uint64) error {
	if err := d.requireAuthority(caller); err != nil {
		return err
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	return user.EnterStakingVlp(&d.VlpPool, amount)
}

// Swap trades amountIn of one pool asset for another at oracle prices,
// charging the input asset's swap fee.
func (d *Dex) Swap(user *UserState, fromAcc, toAcc Address, inIndex, outIndex uint8, amountIn uint64, tokens TokenLedger, oracles OracleBook) (uint64, error) {
	if amountIn == 0 {
		return 0, ErrInvalidAmount
	}
	if inIndex == outIndex {
		return 0, ErrInvalidAssetIndex
	}
	in, err := d.asset(inIndex)
	if err != nil {
		return 0, err
	}
	out, err := d.asset(outIndex)
	if err != nil {
		return 0, err
	}

	priceIn, err := d.assetPrice(in, oracles)
	if err != nil {
		return 0, err
	}
	priceOut, err := d.assetPrice(out, oracles)
	if err != nil {
		return 0, err
	}

	fee, err := mulDiv(amountIn, uint64(in.SwapFeeRate), FeeRateBase)
	if err != nil {
		return 0, err
	}
	net := amountIn - fee
	value, err := assetValueUsdc(net, priceIn, in.Decimals)
	if err != nil {
		return 0, err
	}
	amountOut, err := usdcToAsset(value, priceOut, out.Decimals)
	if err != nil {
		return 0, err
	}
	if amountOut == 0 {
		return 0, ErrInvalidAmount
	}
	if out.LiquidityAmount < amountOut {
		return 0, fmt.Errorf("%w: %s", ErrInsufficientLiquidity, out.Symbol)
	}

	if err := tokens.Transfer(fromAcc, in.Vault, amountIn); err != nil {
		return 0, err
	}
	in.LiquidityAmount, err = safeAdd(in.LiquidityAmount, net)
	if err != nil {
		return 0, err
	}
	in.FeeAmount, err = safeAdd(in.FeeAmount, fee)
	if err != nil {
		return 0, err
	}
	out.LiquidityAmount -= amountOut
	if err := tokens.Transfer(out.Vault, toAcc, amountOut); err != nil {
		return 0, err
	}
	return amountOut, nil
}

// WithdrawFees lets the authority collect accrued, unswept fees of an asset
// out of its vault.
func (d *Dex) WithdrawFees(caller Address, assetIndex uint8, to Address, amount uint64, tokens TokenLedger) error {
	if err := d.requireAuthority(caller); err != nil {
		return err
	}
	asset, err := d.asset(assetIndex)
	if err != nil {
		return err
	}
	if amount == 0 || amount > asset.FeeAmount {
		return ErrInvalidAmount
	}
	asset.FeeAmount -= amount
	return tokens.Transfer(asset.Vault, to, amount)
}

package ledger

import (
	"fmt"

	"github.com/luxfi/perps/pkg/perp"
)

// InitDex creates the root exchange record. A deployment is initialized
// exactly once.
func (l *Ledger) InitDex(params perp.DexParams) error {
	return l.apply("initDex", nil, []Key{KeyDex}, func(int64) error {
		if l.dex != nil {
			return fmt.Errorf("%w: dex", perp.ErrAlreadyInUse)
		}
		l.dex = perp.NewDex(params)
		return nil
	})
}

// InitPriceFeed creates the price feed record under authority.
func (l *Ledger) InitPriceFeed(authority perp.Address) error {
	return l.apply("initPriceFeed", nil, []Key{KeyPriceFeed}, func(int64) error {
		if l.feed != nil {
			return fmt.Errorf("%w: price feed", perp.ErrAlreadyInUse)
		}
		l.feed = perp.NewPriceFeed(authority)
		return nil
	})
}

// InitPriceFeedSlot marks an asset slot of the feed writable.
func (l *Ledger) InitPriceFeedSlot(caller perp.Address, assetIndex uint8) error {
	return l.apply("initPriceFeedSlot", nil, []Key{KeyPriceFeed}, func(int64) error {
		if l.feed == nil {
			return ErrNotInitialized
		}
		if caller != l.feed.Authority {
			return perp.ErrNotAllowed
		}
		return l.feed.InitAssetSlot(assetIndex)
	})
}

// AddAsset registers a pool asset.
func (l *Ledger) AddAsset(caller perp.Address, params perp.AssetParams) (uint8, error) {
	var index uint8
	err := l.apply("addAsset", []Key{KeyTokens}, []Key{KeyDex}, func(int64) error {
		if err := l.requireDex(); err != nil {
			return err
		}
		var err error
		index, err = l.dex.AddAsset(caller, params, l.tokens)
		return err
	})
	return index, err
}

// AddMarket registers a leveraged market.
func (l *Ledger) AddMarket(caller perp.Address, params perp.MarketParams) (uint8, error) {
	var index uint8
	err := l.apply("addMarket", nil, []Key{KeyDex}, func(int64) error {
		if err := l.requireDex(); err != nil {
			return err
		}
		var err error
		index, err = l.dex.AddMarket(caller, params)
		return err
	})
	return index, err
}

// SetRewardAsset designates the fee settlement asset.
func (l *Ledger) SetRewardAsset(caller perp.Address, assetIndex uint8) error {
	return l.apply("setRewardAsset", nil, []Key{KeyDex}, func(int64) error {
		if err := l.requireDex(); err != nil {
			return err
		}
		return l.dex.SetRewardAsset(caller, assetIndex)
	})
}

// SetDelegate grants operational authority to a second address.
func (l *Ledger) SetDelegate(caller, delegate perp.Address) error {
	return l.apply("setDelegate", nil, []Key{KeyDex}, func(int64) error {
		if err := l.requireDex(); err != nil {
			return err
		}
		return l.dex.SetDelegate(caller, delegate)
	})
}

// SetFeeRates adjusts an asset's fee schedule.
func (l *Ledger) SetFeeRates(caller perp.Address, assetIndex uint8, borrow, add, remove, swap uint16) error {
	return l.apply("setFeeRates", nil, []Key{KeyDex}, func(int64) error {
		if err := l.requireDex(); err != nil {
			return err
		}
		return l.dex.SetFeeRates(caller, assetIndex, borrow, add, remove, swap)
	})
}

// CreateTokenAccount provisions a token account in the bank.
func (l *Ledger) CreateTokenAccount(addr, mint, owner perp.Address) error {
	return l.apply("createTokenAccount", nil, []Key{KeyTokens}, func(int64) error {
		return l.tokens.CreateAccount(addr, mint, owner)
	})
}

// MintTokens credits freshly minted units to an account.
func (l *Ledger) MintTokens(to perp.Address, amount uint64) error {
	return l.apply("mintTokens", nil, []Key{KeyTokens}, func(int64) error {
		return l.tokens.MintTo(to, amount)
	})
}

// FeedMockOraclePrice writes a mock oracle quote. Only the deployment
// authority may feed mock prices.
func (l *Ledger) FeedMockOraclePrice(caller, oracle perp.Address, raw uint64, expo int32) error {
	return l.apply("feedMockOraclePrice", []Key{KeyDex}, []Key{KeyOracles}, func(int64) error {
		if err := l.requireDex(); err != nil {
			return err
		}
		if caller != l.dex.Authority && caller != l.dex.Delegate {
			return perp.ErrNotAllowed
		}
		if raw == 0 {
			return perp.ErrInvalidPrice
		}
		l.oracles.Set(oracle, perp.OracleQuote{Raw: raw, Expo: expo})
		return nil
	})
}

// UpdatePrice appends one price snapshot per feed slot.
func (l *Ledger) UpdatePrice(caller perp.Address, prices []uint64) error {
	return l.apply("updatePrice", nil, []Key{KeyDex, KeyPriceFeed}, func(now int64) error {
		if l.feed == nil {
			return ErrNotInitialized
		}
		if err := l.feed.UpdatePrice(caller, prices, now); err != nil {
			return err
		}
		if l.dex != nil {
			l.dex.Events.Append(perp.Event{Kind: perp.EventPriceUpdated, Timestamp: now})
		}
		return nil
	})
}

// CreateUserState allocates the fixed-slot user record for owner. One
// record exists per (dex, owner).
func (l *Ledger) CreateUserState(owner perp.Address, orderSlots, positionSlots, assetSlots uint8) (perp.Address, error) {
	if err := l.requireDex(); err != nil {
		return perp.Address{}, err
	}
	addr := UserStateAddress(l.dex.Key, owner)
	err := l.apply("createUserState", nil, []Key{KeyDex, UserKey(addr)}, func(int64) error {
		if err := l.requireDex(); err != nil {
			return err
		}
		if _, ok := l.users[addr]; ok {
			return perp.ErrUserStateAlreadyExist
		}
		user := perp.NewUserState(owner, orderSlots, positionSlots, assetSlots)
		user.Meta.UserListIndex = l.dex.UserCount
		l.dex.UserCount++
		l.users[addr] = user
		return nil
	})
	return addr, err
}

// mutateUser wraps an operation over one user's record plus whatever extra
// records it declares, bumping the serial on commit.
func (l *Ledger) mutateUser(name string, owner perp.Address, reads, writes []Key, fn func(user *perp.UserState, now int64) error) error {
	if err := l.requireDex(); err != nil {
		return err
	}
	addr := UserStateAddress(l.dex.Key, owner)
	writes = append(writes, UserKey(addr))
	return l.apply(name, reads, writes, func(now int64) error {
		user, err := l.user(addr)
		if err != nil {
			return err
		}
		if err := fn(user, now); err != nil {
			return err
		}
		user.IncSerial()
		return nil
	})
}

// Deposit moves funds from a token account into the user's asset slot.
func (l *Ledger) Deposit(owner, fundingAcc perp.Address, assetIndex uint8, amount uint64) error {
	return l.mutateUser("deposit", owner, []Key{KeyDex}, []Key{KeyTokens}, func(user *perp.UserState, _ int64) error {
		return l.dex.DepositAsset(user, fundingAcc, assetIndex, amount, l.tokens)
	})
}

// Withdraw moves free user balance back out to a token account.
func (l *Ledger) Withdraw(owner, fundingAcc perp.Address, assetIndex uint8, amount uint64) error {
	return l.mutateUser("withdraw", owner, []Key{KeyDex}, []Key{KeyTokens}, func(user *perp.UserState, _ int64) error {
		return l.dex.WithdrawAsset(user, fundingAcc, assetIndex, amount, l.tokens)
	})
}

// AddLiquidity deposits into the pool and stakes the minted shares.
func (l *Ledger) AddLiquidity(owner, fundingAcc perp.Address, assetIndex uint8, amount uint64) (uint64, error) {
	var minted uint64
	err := l.mutateUser("addLiquidity", owner, []Key{KeyOracles}, []Key{KeyDex, KeyTokens}, func(user *perp.UserState, now int64) error {
		var err error
		minted, err = l.dex.AddLiquidity(user, fundingAcc, assetIndex, amount, l.tokens, l.oracles, now)
		return err
	})
	return minted, err
}

// RemoveLiquidity redeems staked shares for pool assets.
func (l *Ledger) RemoveLiquidity(owner, fundingAcc perp.Address, assetIndex uint8, vlpAmount uint64) (uint64, error) {
	var returned uint64
	err := l.mutateUser("removeLiquidity", owner, []Key{KeyOracles}, []Key{KeyDex, KeyTokens}, func(user *perp.UserState, now int64) error {
		var err error
		returned, err = l.dex.RemoveLiquidity(user, fundingAcc, assetIndex, vlpAmount, l.tokens, l.oracles, now)
		return err
	})
	return returned, err
}

// MintVlpToken is the authority's fee-free share mint.
func (l *Ledger) MintVlpToken(caller, owner perp.Address, amount uint64) error {
	return l.mutateUser("mintVlpToken", owner, nil, []Key{KeyDex}, func(user *perp.UserState, _ int64) error {
		return l.dex.MintVlpToken(caller, user, amount)
	})
}

// ClaimRewards pays the user's accumulated staking rewards out of the
// settlement asset vault.
func (l *Ledger) ClaimRewards(owner, toAcc perp.Address) (uint64, error) {
	var claimed uint64
	err := l.mutateUser("claimRewards", owner, nil, []Key{KeyDex, KeyTokens}, func(user *perp.UserState, _ int64) error {
		var err error
		claimed, err = user.Meta.Vlp.WithdrawReward(&l.dex.VlpPool)
		if err != nil {
			return err
		}
		if claimed == 0 {
			return nil
		}
		r := l.dex.VlpPool.RewardAssetIndex
		if r == perp.NilIndex8 {
			return perp.ErrSettlementAssetNotFunded
		}
		return l.tokens.Transfer(l.dex.Assets[r].Vault, toAcc, claimed)
	})
	return claimed, err
}

// Swap trades between two pool assets at oracle prices.
func (l *Ledger) Swap(owner, fromAcc, toAcc perp.Address, inIndex, outIndex uint8, amountIn uint64) (uint64, error) {
	var out uint64
	err := l.mutateUser("swap", owner, []Key{KeyOracles}, []Key{KeyDex, KeyTokens}, func(user *perp.UserState, _ int64) error {
		var err error
		out, err = l.dex.Swap(user, fromAcc, toAcc, inIndex, outIndex, amountIn, l.tokens, l.oracles)
		return err
	})
	return out, err
}

// Bid places a limit open order.
func (l *Ledger) Bid(owner perp.Address, marketIndex uint8, long bool, price, amount uint64, leverage uint32) (uint8, error) {
	var slot uint8
	err := l.mutateUser("bid", owner, []Key{KeyOracles}, []Key{KeyDex}, func(user *perp.UserState, now int64) error {
		var err error
		slot, err = l.dex.Bid(user, marketIndex, long, price, amount, leverage, l.oracles, now)
		return err
	})
	return slot, err
}

// Ask places a limit close order.
func (l *Ledger) Ask(owner perp.Address, marketIndex uint8, long bool, price, size uint64) (uint8, error) {
	var slot uint8
	err := l.mutateUser("ask", owner, nil, []Key{KeyDex}, func(user *perp.UserState, now int64) error {
		var err error
		slot, err = l.dex.Ask(user, marketIndex, long, price, size, now)
		return err
	})
	return slot, err
}

// Cancel withdraws a resting order.
func (l *Ledger) Cancel(owner perp.Address, userOrderSlot uint8) error {
	return l.mutateUser("cancel", owner, nil, []Key{KeyDex}, func(user *perp.UserState, _ int64) error {
		return l.dex.Cancel(user, userOrderSlot)
	})
}

// CancelAll withdraws every resting order of the user.
func (l *Ledger) CancelAll(owner perp.Address) error {
	return l.mutateUser("cancelAll", owner, nil, []Key{KeyDex}, func(user *perp.UserState, _ int64) error {
		return l.dex.CancelAll(user)
	})
}

// FillOrders queues match events for orders crossed at the current oracle
// price. Returns how many orders were filled.
func (l *Ledger) FillOrders(marketIndex uint8) (int, error) {
	var filled int
	err := l.apply("fillOrders", []Key{KeyOracles}, []Key{KeyDex}, func(int64) error {
		if err := l.requireDex(); err != nil {
			return err
		}
		var err error
		filled, err = l.dex.FillOrder(marketIndex, l.oracles)
		return err
	})
	return filled, err
}

// CrankOnce settles the next pending match event. Returns
// perp.ErrNoMatchEvent when the queue is drained.
func (l *Ledger) CrankOnce() error {
	// The write set must name the user the event settles. Peek the queue
	// under the dex lock, then verify the head has not moved once the
	// full lock set is held.
	var owner, dexKey perp.Address
	dexMu := l.lockFor(KeyDex)
	dexMu.Lock()
	err := func() error {
		if err := l.requireDex(); err != nil {
			return err
		}
		if l.dex.MatchQueue.Len() == 0 {
			return perp.ErrNoMatchEvent
		}
		owner = l.dex.MatchQueue.Events[0].User
		dexKey = l.dex.Key
		return nil
	}()
	dexMu.Unlock()
	if err != nil {
		return err
	}
	addr := UserStateAddress(dexKey, owner)
	return l.apply("crank", []Key{KeyOracles}, []Key{KeyDex, UserKey(addr)}, func(now int64) error {
		if l.dex.MatchQueue.Len() == 0 {
			return perp.ErrNoMatchEvent
		}
		if l.dex.MatchQueue.Events[0].User != owner {
			return fmt.Errorf("%w: match queue advanced", perp.ErrInvalidOrderSlot)
		}
		return l.dex.Crank(l, l.oracles, now)
	})
}

// ClosePosition closes size of the user's position at the oracle price.
func (l *Ledger) ClosePosition(owner perp.Address, marketIndex uint8, long bool, size uint64) error {
	return l.mutateUser("closePosition", owner, []Key{KeyOracles}, []Key{KeyDex}, func(user *perp.UserState, now int64) error {
		return l.dex.ClosePosition(user, marketIndex, long, size, l.oracles, now)
	})
}

// Liquidate force-closes an undercollateralized position. Any caller may
// crank liquidations; the position check is the gate.
func (l *Ledger) Liquidate(owner perp.Address, marketIndex uint8, long bool) error {
	return l.mutateUser("liquidate", owner, []Key{KeyOracles}, []Key{KeyDex}, func(user *perp.UserState, now int64) error {
		return l.dex.Liquidate(user, marketIndex, long, l.oracles, now)
	})
}

// WithdrawFees pays accrued unswept fees of an asset to the authority.
func (l *Ledger) WithdrawFees(caller perp.Address, assetIndex uint8, to perp.Address, amount uint64) error {
	return l.apply("withdrawFees", nil, []Key{KeyDex, KeyTokens}, func(int64) error {
		if err := l.requireDex(); err != nil {
			return err
		}
		return l.dex.WithdrawFees(caller, assetIndex, to, amount, l.tokens)
	})
}

// View runs fn with read access to the root records under their locks.
func (l *Ledger) View(fn func(dex *perp.Dex, feed *perp.PriceFeed) error) error {
	l.lockFor(KeyDex).Lock()
	defer l.lockFor(KeyDex).Unlock()
	l.lockFor(KeyPriceFeed).Lock()
	defer l.lockFor(KeyPriceFeed).Unlock()
	if l.dex == nil {
		return ErrNotInitialized
	}
	return fn(l.dex, l.feed)
}

// ViewUser runs fn with read access to owner's record.
func (l *Ledger) ViewUser(owner perp.Address, fn func(user *perp.UserState) error) error {
	if err := l.requireDex(); err != nil {
		return err
	}
	addr := UserStateAddress(l.dex.Key, owner)
	key := UserKey(addr)
	l.lockFor(key).Lock()
	defer l.lockFor(key).Unlock()
	user, err := l.user(addr)
	if err != nil {
		return err
	}
	return fn(user)
}

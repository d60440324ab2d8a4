package perp

import "fmt"

// UserOrder mirrors a resting order from the user's side: enough to cancel
// it, render it, and settle it when the match queue comes back around.
type UserOrder struct {
	ListTime        int64  `json:"listTime"`
	Size            uint64 `json:"size"` // collateral amount for bids, close size for asks
	Price           uint64 `json:"price"`
	LossStopPrice   uint64 `json:"lossStopPrice"`
	ProfitStopPrice uint64 `json:"profitStopPrice"`
	OrderSlot       uint32 `json:"orderSlot"`
	Leverage        uint32 `json:"leverage"`
	Long            bool   `json:"long"`
	Open            bool   `json:"open"`
	Asset           uint8  `json:"asset"`
	Market          uint8  `json:"market"`
}

// UserAsset is a per-asset balance slot.
type UserAsset struct {
	Amount uint64 `json:"amount"`
	Asset  uint8  `json:"asset"`
}

// UserMeta carries the identity and sizing of a UserState record.
type UserMeta struct {
	Magic             uint32    `json:"magic"`
	SerialNumber      uint32    `json:"serialNumber"`
	Owner             Address   `json:"owner"`
	Delegate          Address   `json:"delegate"`
	Vlp               UserStake `json:"vlp"`
	UserListIndex     uint32    `json:"userListIndex"`
	OrderSlotCount    uint8     `json:"orderSlotCount"`
	PositionSlotCount uint8     `json:"positionSlotCount"`
	AssetSlotCount    uint8     `json:"assetSlotCount"`
}

// UserState is the fixed-capacity per-user ledger record: open orders,
// positions and asset balances live in index-linked slot arrays sized at
// creation and never resized.
type UserState struct {
	Meta      UserMeta                `json:"meta"`
	Orders    *slotList[UserOrder]    `json:"orders"`
	Positions *slotList[UserPosition] `json:"positions"`
	Assets    *slotList[UserAsset]    `json:"assets"`
}

// NewUserState allocates a record for owner with the given capacities.
func NewUserState(owner Address, orderSlots, positionSlots, assetSlots uint8) *UserState {
	return &UserState{
		Meta: UserMeta{
			Magic:             UserStateMagic,
			Owner:             owner,
			UserListIndex:     NilIndex32,
			OrderSlotCount:    orderSlots,
			PositionSlotCount: positionSlots,
			AssetSlotCount:    assetSlots,
		},
		Orders:    newSlotList[UserOrder](orderSlots),
		Positions: newSlotList[UserPosition](positionSlots),
		Assets:    newSlotList[UserAsset](assetSlots),
	}
}

// IncSerial bumps the record's serial number; the runtime calls it once per
// committed mutation so readers can detect change.
func (u *UserState) IncSerial() {
	u.Meta.SerialNumber++
}

// findOrNewPosition returns the position pair for market, allocating a slot
// when create is set.
func (u *UserState) findOrNewPosition(market uint8, create bool) (*UserPosition, error) {
	var found *UserPosition
	u.Positions.each(func(_ uint8, p *UserPosition) bool {
		if p.Market == market {
			found = p
			return false
		}
		return true
	})
	if found != nil {
		return found, nil
	}
	if !create {
		return nil, ErrNoPosition
	}
	i, err := u.Positions.alloc()
	if err != nil {
		return nil, ErrPositionSlotsFull
	}
	pos := &u.Positions.Entries[i].Data
	pos.init(market)
	return pos, nil
}

// OpenPosition opens or augments one side of the market position.
func (u *UserState) OpenPosition(market uint8, price, amount uint64, long bool, leverage uint32, mfr *MarketFeeRates, now int64) (OpenResult, error) {
	pos, err := u.findOrNewPosition(market, true)
	if err != nil {
		return OpenResult{}, err
	}
	return pos.Side(long).Open(price, amount, leverage, mfr, now)
}

// ClosePosition closes up to size of one side of the market position.
func (u *UserState) ClosePosition(market uint8, size, price uint64, long bool, mfr *MarketFeeRates, liquidate, limitOrder bool, now int64) (CloseResult, error) {
	pos, err := u.findOrNewPosition(market, false)
	if err != nil {
		return CloseResult{}, err
	}
	return pos.Side(long).Close(size, price, mfr, liquidate, limitOrder, now)
}

// GetPosition returns a copy of one side of the market position.
func (u *UserState) GetPosition(market uint8, long bool) (Position, error) {
	pos, err := u.findOrNewPosition(market, false)
	if err != nil {
		return Position{}, err
	}
	return *pos.Side(long), nil
}

// NewBidOrder records an open order and returns its user slot.
func (u *UserState) NewBidOrder(orderSlot uint32, size, price uint64, leverage uint32, long bool, market, asset uint8, now int64) (uint8, error) {
	i, err := u.Orders.alloc()
	if err != nil {
		return NilIndex8, ErrOrderSlotsFull
	}
	u.Orders.Entries[i].Data = UserOrder{
		ListTime:  now,
		Size:      size,
		Price:     price,
		OrderSlot: orderSlot,
		Leverage:  leverage,
		Long:      long,
		Open:      true,
		Asset:     asset,
		Market:    market,
	}
	return i, nil
}

// NewAskOrder reserves closing size on the position and records the close
// order. Returns the user slot and the size actually reserved.
func (u *UserState) NewAskOrder(size, price uint64, long bool, market uint8, now int64) (uint8, uint64, error) {
	pos, err := u.findOrNewPosition(market, false)
	if err != nil {
		return NilIndex8, 0, err
	}
	reserved, err := pos.Side(long).AddClosing(size)
	if err != nil {
		return NilIndex8, 0, err
	}
	i, err := u.Orders.alloc()
	if err != nil {
		pos.Side(long).SubClosing(reserved)
		return NilIndex8, 0, ErrOrderSlotsFull
	}
	u.Orders.Entries[i].Data = UserOrder{
		ListTime: now,
		Size:     reserved,
		Price:    price,
		Long:     long,
		Open:     false,
		Market:   market,
	}
	return i, reserved, nil
}

// SetAskOrderSlot back-fills the book slot once the ask order is linked.
func (u *UserState) SetAskOrderSlot(userOrderSlot uint8, orderSlot uint32) error {
	entry, err := u.Orders.get(userOrderSlot)
	if err != nil {
		return ErrInvalidOrderSlot
	}
	entry.Data.OrderSlot = orderSlot
	return nil
}

// GetOrder returns a copy of the order in the given user slot.
func (u *UserState) GetOrder(userOrderSlot uint8) (UserOrder, error) {
	entry, err := u.Orders.get(userOrderSlot)
	if err != nil {
		return UserOrder{}, ErrInvalidOrderSlot
	}
	return entry.Data, nil
}

// UnlinkOrder frees the user slot. Cancelling an ask order releases its
// closing reservation; a filled one keeps it for settlement.
func (u *UserState) UnlinkOrder(userOrderSlot uint8, cancel bool) (UserOrder, error) {
	entry, err := u.Orders.get(userOrderSlot)
	if err != nil {
		return UserOrder{}, ErrInvalidOrderSlot
	}
	order := entry.Data
	if !order.Open && cancel {
		pos, err := u.findOrNewPosition(order.Market, false)
		if err != nil {
			return UserOrder{}, err
		}
		pos.Side(order.Long).SubClosing(order.Size)
	}
	if err := u.Orders.release(userOrderSlot); err != nil {
		return UserOrder{}, ErrInvalidOrderSlot
	}
	return order, nil
}

// OrderSlots returns the occupied user order slots in insertion order.
func (u *UserState) OrderSlots() []uint8 {
	slots := make([]uint8, 0, u.Orders.Used)
	u.Orders.each(func(i uint8, _ *UserOrder) bool {
		slots = append(slots, i)
		return true
	})
	return slots
}

// findAsset returns the balance slot for asset, allocating when create is
// set.
func (u *UserState) findAsset(asset uint8, create bool) (*UserAsset, error) {
	var found *UserAsset
	u.Assets.each(func(_ uint8, a *UserAsset) bool {
		if a.Asset == asset {
			found = a
			return false
		}
		return true
	})
	if found != nil {
		return found, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: asset %d", ErrInsufficientBalance, asset)
	}
	i, err := u.Assets.alloc()
	if err != nil {
		return nil, ErrAssetSlotsFull
	}
	slot := &u.Assets.Entries[i].Data
	slot.Asset = asset
	return slot, nil
}

// CreditAsset adds amount to the user's balance slot for asset.
func (u *UserState) CreditAsset(asset uint8, amount uint64) error {
	if amount == 0 {
		return nil
	}
	slot, err := u.findAsset(asset, true)
	if err != nil {
		return err
	}
	slot.Amount, err = safeAdd(slot.Amount, amount)
	return err
}

// DebitAsset removes amount from the user's balance slot for asset.
func (u *UserState) DebitAsset(asset uint8, amount uint64) error {
	if amount == 0 {
		return nil
	}
	slot, err := u.findAsset(asset, false)
	if err != nil {
		return err
	}
	if slot.Amount < amount {
		return fmt.Errorf("%w: asset %d", ErrInsufficientBalance, asset)
	}
	slot.Amount -= amount
	return nil
}

// AssetBalance reads the user's balance for asset; zero when no slot.
func (u *UserState) AssetBalance(asset uint8) uint64 {
	slot, err := u.findAsset(asset, false)
	if err != nil {
		return 0
	}
	return slot.Amount
}

// EnterStakingVlp stakes freshly minted pool shares for the user.
func (u *UserState) EnterStakingVlp(pool *StakingPool, amount uint64) error {
	return u.Meta.Vlp.EnterStaking(pool, amount)
}

// LeaveStakingVlp unstakes pool shares ahead of redemption.
func (u *UserState) LeaveStakingVlp(pool *StakingPool, amount uint64) error {
	return u.Meta.Vlp.LeaveStaking(pool, amount)
}

// StakedVlp reports the user's staked share balance.
func (u *UserState) StakedVlp() uint64 {
	return u.Meta.Vlp.Staked
}

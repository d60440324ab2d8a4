package perp

import "fmt"

// PriceEntry is one timestamped snapshot in an asset's price ring.
type PriceEntry struct {
	Price      uint64 `json:"price"`
	UpdateTime int64  `json:"updateTime"`
}

// AssetPriceRing holds the recent price history of one asset slot. Cursor
// points at the most recently written entry and always stays within the ring.
type AssetPriceRing struct {
	Valid      bool                        `json:"valid"`
	AssetIndex uint8                       `json:"assetIndex"`
	Cursor     uint8                       `json:"cursor"`
	Prices     [PriceHistoryLen]PriceEntry `json:"prices"`
}

// PriceFeed is the append-only ring-buffer price record. One writer (the
// feed authority) publishes snapshots; readers fetch the newest entry per
// asset. Staleness policy is a caller concern.
type PriceFeed struct {
	Magic          uint32                        `json:"magic"`
	Authority      Address                       `json:"authority"`
	Rings          [MaxAssetCount]AssetPriceRing `json:"rings"`
	LastUpdateTime int64                         `json:"lastUpdateTime"`
}

// NewPriceFeed zero-initializes a feed record owned by authority.
func NewPriceFeed(authority Address) *PriceFeed {
	return &PriceFeed{
		Magic:     PriceFeedMagic,
		Authority: authority,
	}
}

// InitAssetSlot activates the ring for an asset slot. Called when the asset
// is registered so updates know which slots to fill.
func (f *PriceFeed) InitAssetSlot(assetIndex uint8) error {
	if f.Magic != PriceFeedMagic {
		return ErrInvalidMagic
	}
	if assetIndex >= MaxAssetCount {
		return ErrInvalidAssetIndex
	}
	ring := &f.Rings[assetIndex]
	if ring.Valid {
		return ErrAlreadyInUse
	}
	ring.Valid = true
	ring.AssetIndex = assetIndex
	ring.Cursor = 0
	return nil
}

// UpdatePrice writes one snapshot per active asset slot. A zero price leaves
// its slot untouched. Writes within the same ledger second overwrite the
// current cursor entry instead of advancing, so the ring holds at most one
// entry per timestamp.
func (f *PriceFeed) UpdatePrice(authority Address, prices []uint64, now int64) error {
	if f.Magic != PriceFeedMagic {
		return ErrInvalidMagic
	}
	if authority != f.Authority {
		return fmt.Errorf("%w: price feed authority mismatch", ErrNotAllowed)
	}
	if len(prices) > MaxAssetCount {
		return ErrInvalidAmount
	}
	for i, price := range prices {
		if price == 0 {
			continue
		}
		ring := &f.Rings[i]
		if !ring.Valid {
			continue
		}
		cursor := ring.Cursor
		if ring.Prices[cursor].UpdateTime != now {
			if ring.Prices[cursor].UpdateTime != 0 || ring.Prices[cursor].Price != 0 {
				cursor = (cursor + 1) % PriceHistoryLen
			}
		}
		ring.Prices[cursor] = PriceEntry{Price: price, UpdateTime: now}
		ring.Cursor = cursor
	}
	f.LastUpdateTime = now
	return nil
}

// LatestPrice returns the newest entry for an asset slot. ErrNoPriceYet
// signals an empty ring.
func (f *PriceFeed) LatestPrice(assetIndex uint8) (PriceEntry, error) {
	if assetIndex >= MaxAssetCount {
		return PriceEntry{}, ErrInvalidAssetIndex
	}
	ring := &f.Rings[assetIndex]
	if !ring.Valid {
		return PriceEntry{}, ErrInvalidAssetIndex
	}
	entry := ring.Prices[ring.Cursor]
	if entry.UpdateTime == 0 {
		return PriceEntry{}, ErrNoPriceYet
	}
	return entry, nil
}

// History returns up to PriceHistoryLen entries for an asset slot, most
// recent first.
func (f *PriceFeed) History(assetIndex uint8) ([]PriceEntry, error) {
	if assetIndex >= MaxAssetCount {
		return nil, ErrInvalidAssetIndex
	}
	ring := &f.Rings[assetIndex]
	if !ring.Valid {
		return nil, ErrInvalidAssetIndex
	}
	out := make([]PriceEntry, 0, PriceHistoryLen)
	cursor := ring.Cursor
	for i := 0; i < PriceHistoryLen; i++ {
		entry := ring.Prices[cursor]
		if entry.UpdateTime != 0 {
			out = append(out, entry)
		}
		cursor = (cursor + PriceHistoryLen - 1) % PriceHistoryLen
	}
	return out, nil
}

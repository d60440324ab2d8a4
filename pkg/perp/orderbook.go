package perp

import "sort"

// OrderSide distinguishes opening bids from closing asks.
type OrderSide uint8

const (
	// SideBid is an opening order resting below (long) or above (short)
	// the market.
	SideBid OrderSide = iota
	// SideAsk is a closing order against an open position.
	SideAsk
)

// String returns the side name.
func (s OrderSide) String() string {
	if s == SideBid {
		return "bid"
	}
	return "ask"
}

// PriceLevel is one limit price with its FIFO queue of order slots.
type PriceLevel struct {
	Price uint64 `json:"price"`
	Head  uint32 `json:"head"`
	Tail  uint32 `json:"tail"`
	Count uint32 `json:"count"`
}

// bookSide holds the price levels of one (side, direction) queue, sorted
// ascending. Desc sides take their best level from the top and cross while
// the level price is at or above the market; ascending sides mirror that.
type bookSide struct {
	Levels []PriceLevel `json:"levels"`
	Desc   bool         `json:"desc"`
}

// findLevel locates the level for price, inserting when create is set.
func (s *bookSide) findLevel(price uint64, create bool) (*PriceLevel, bool) {
	i := sort.Search(len(s.Levels), func(i int) bool { return s.Levels[i].Price >= price })
	if i < len(s.Levels) && s.Levels[i].Price == price {
		return &s.Levels[i], true
	}
	if !create {
		return nil, false
	}
	s.Levels = append(s.Levels, PriceLevel{})
	copy(s.Levels[i+1:], s.Levels[i:])
	s.Levels[i] = PriceLevel{Price: price, Head: NilIndex32, Tail: NilIndex32}
	return &s.Levels[i], true
}

func (s *bookSide) dropLevel(price uint64) {
	i := sort.Search(len(s.Levels), func(i int) bool { return s.Levels[i].Price >= price })
	if i < len(s.Levels) && s.Levels[i].Price == price {
		s.Levels = append(s.Levels[:i], s.Levels[i+1:]...)
	}
}

// best returns the level next in crossing priority.
func (s *bookSide) best() *PriceLevel {
	if len(s.Levels) == 0 {
		return nil
	}
	if s.Desc {
		return &s.Levels[len(s.Levels)-1]
	}
	return &s.Levels[0]
}

// crossed reports whether a level at price crosses the market price.
func (s *bookSide) crossed(price, marketPrice uint64) bool {
	if s.Desc {
		return price >= marketPrice
	}
	return price <= marketPrice
}

// OrderBook indexes the resting orders of one market by price with FIFO
// arrival order inside a level. Longs and shorts queue separately since
// they cross the market price from opposite directions.
type OrderBook struct {
	BidLong  bookSide `json:"bidLong"`
	BidShort bookSide `json:"bidShort"`
	AskLong  bookSide `json:"askLong"`
	AskShort bookSide `json:"askShort"`
}

// NewOrderBook returns an empty book.
func NewOrderBook() *OrderBook {
	return &OrderBook{
		BidLong:  bookSide{Desc: true}, // long opens fill as the market dips to the limit
		BidShort: bookSide{},           // short opens fill as the market rises to it
		AskLong:  bookSide{},           // long closes take profit above
		AskShort: bookSide{Desc: true}, // short closes take profit below
	}
}

func (b *OrderBook) side(side OrderSide, long bool) *bookSide {
	switch {
	case side == SideBid && long:
		return &b.BidLong
	case side == SideBid:
		return &b.BidShort
	case long:
		return &b.AskLong
	default:
		return &b.AskShort
	}
}

// Link inserts the allocated order slot at the tail of its price level.
func (b *OrderBook) Link(i uint32, order *Order, pool *OrderPool) error {
	side := SideAsk
	if order.Open {
		side = SideBid
	}
	level, _ := b.side(side, order.Long).findLevel(order.LimitPrice, true)

	order.Next = NilIndex32
	order.Prev = level.Tail
	if level.Tail != NilIndex32 {
		tail, err := pool.Get(level.Tail)
		if err != nil {
			return err
		}
		tail.Next = i
	} else {
		level.Head = i
	}
	level.Tail = i
	level.Count++
	return nil
}

// Unlink removes the order slot from its level, dropping the level when it
// empties. The slot itself stays allocated for the caller to settle or
// release.
func (b *OrderBook) Unlink(i uint32, pool *OrderPool) error {
	order, err := pool.Get(i)
	if err != nil {
		return err
	}
	if !order.InUse {
		return ErrInvalidOrderSlot
	}
	side := SideAsk
	if order.Open {
		side = SideBid
	}
	bs := b.side(side, order.Long)
	level, ok := bs.findLevel(order.LimitPrice, false)
	if !ok {
		return ErrInvalidOrderSlot
	}

	if order.Prev != NilIndex32 {
		prev, err := pool.Get(order.Prev)
		if err != nil {
			return err
		}
		prev.Next = order.Next
	} else {
		level.Head = order.Next
	}
	if order.Next != NilIndex32 {
		next, err := pool.Get(order.Next)
		if err != nil {
			return err
		}
		next.Prev = order.Prev
	} else {
		level.Tail = order.Prev
	}
	level.Count--
	if level.Count == 0 {
		bs.dropLevel(order.LimitPrice)
	}
	order.Next = NilIndex32
	order.Prev = NilIndex32
	return nil
}

// NextMatch returns the slot of the next order on side crossed by the
// market price, honoring price priority then FIFO arrival. Long queues are
// drained before short queues at each call.
func (b *OrderBook) NextMatch(marketPrice uint64, side OrderSide, pool *OrderPool) (uint32, *Order, bool) {
	for _, long := range []bool{true, false} {
		bs := b.side(side, long)
		level := bs.best()
		if level == nil || !bs.crossed(level.Price, marketPrice) {
			continue
		}
		order, err := pool.Get(level.Head)
		if err != nil {
			continue
		}
		return level.Head, order, true
	}
	return NilIndex32, nil, false
}

// Depth reports how many orders rest on a side.
func (b *OrderBook) Depth(side OrderSide) uint32 {
	var n uint32
	for _, long := range []bool{true, false} {
		for _, level := range b.side(side, long).Levels {
			n += level.Count
		}
	}
	return n
}

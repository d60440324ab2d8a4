package perp

// OrderPoolPageSlots is how many order slots one pool page carries. Pages
// are preallocated blocks; the pool chains them to form total capacity and
// never grows past its page budget.
const OrderPoolPageSlots = 1024

// Order is one pooled order slot. For bids Size is the collateral amount
// committed to the open; for asks it is the position size being closed.
// Links are slot indices into the pool, keeping the book pointer-free.
type Order struct {
	Size          uint64  `json:"size"`
	LimitPrice    uint64  `json:"limitPrice"`
	ListTime      int64   `json:"listTime"`
	User          Address `json:"user"`
	Leverage      uint32  `json:"leverage"`
	Next          uint32  `json:"next"`
	Prev          uint32  `json:"prev"`
	UserOrderSlot uint8   `json:"userOrderSlot"`
	Long          bool    `json:"long"`
	Open          bool    `json:"open"`
	Market        uint8   `json:"market"`
	InUse         bool    `json:"inUse"`
}

// OrderPool is a paged, index-based free list of order slots. Slot i lives
// on page i/OrderPoolPageSlots; freed slots are pushed onto an intrusive
// free list through their Next link.
type OrderPool struct {
	Pages     [][]Order `json:"pages"`
	MaxPages  uint8     `json:"maxPages"`
	FreeHead  uint32    `json:"freeHead"`
	Allocated uint32    `json:"allocated"`
}

// NewOrderPool creates a pool with one entry page mounted and headroom for
// maxPages total.
func NewOrderPool(maxPages uint8) *OrderPool {
	if maxPages == 0 {
		maxPages = 1
	}
	p := &OrderPool{
		MaxPages: maxPages,
		FreeHead: NilIndex32,
	}
	p.addPage()
	return p
}

// addPage mounts a fresh page and chains its slots into the free list.
func (p *OrderPool) addPage() {
	base := uint32(len(p.Pages)) * OrderPoolPageSlots
	page := make([]Order, OrderPoolPageSlots)
	for i := OrderPoolPageSlots - 1; i >= 0; i-- {
		page[i].Next = p.FreeHead
		p.FreeHead = base + uint32(i)
	}
	p.Pages = append(p.Pages, page)
}

// RemainingPages reports how many pages may still be mounted.
func (p *OrderPool) RemainingPages() uint8 {
	return p.MaxPages - uint8(len(p.Pages))
}

// Get returns the slot at index i.
func (p *OrderPool) Get(i uint32) (*Order, error) {
	page := int(i / OrderPoolPageSlots)
	if page >= len(p.Pages) {
		return nil, ErrInvalidOrderSlot
	}
	return &p.Pages[page][i%OrderPoolPageSlots], nil
}

// Alloc takes a free slot, mounting a new page when the free list runs dry
// and headroom remains. An exhausted pool is a hard failure.
func (p *OrderPool) Alloc() (uint32, *Order, error) {
	if p.FreeHead == NilIndex32 {
		if p.RemainingPages() == 0 {
			return NilIndex32, nil, ErrOrderPoolFull
		}
		p.addPage()
	}
	i := p.FreeHead
	slot, err := p.Get(i)
	if err != nil {
		return NilIndex32, nil, err
	}
	p.FreeHead = slot.Next
	*slot = Order{Next: NilIndex32, Prev: NilIndex32, InUse: true}
	p.Allocated++
	return i, slot, nil
}

// Release returns slot i to the free list.
func (p *OrderPool) Release(i uint32) error {
	slot, err := p.Get(i)
	if err != nil {
		return err
	}
	if !slot.InUse {
		return ErrInvalidOrderSlot
	}
	*slot = Order{Next: p.FreeHead, Prev: NilIndex32}
	p.FreeHead = i
	p.Allocated--
	return nil
}

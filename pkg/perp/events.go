package perp

// MatchEvent records one crossed order awaiting settlement by a crank.
type MatchEvent struct {
	User          Address `json:"user"`
	OrderSlot     uint32  `json:"orderSlot"`
	UserOrderSlot uint8   `json:"userOrderSlot"`
	Market        uint8   `json:"market"`
}

// MatchQueue is the bounded FIFO between the fill pass and the crank. A
// full queue rejects further fills rather than dropping events.
type MatchQueue struct {
	Events []MatchEvent `json:"events"`
	Max    int          `json:"max"`
}

// NewMatchQueue creates a queue holding at most max pending events.
func NewMatchQueue(max int) *MatchQueue {
	return &MatchQueue{Max: max}
}

// Append enqueues a match event.
func (q *MatchQueue) Append(ev MatchEvent) error {
	if len(q.Events) >= q.Max {
		return ErrMatchQueueFull
	}
	q.Events = append(q.Events, ev)
	return nil
}

// Next dequeues the oldest pending event.
func (q *MatchQueue) Next() (MatchEvent, error) {
	if len(q.Events) == 0 {
		return MatchEvent{}, ErrNoMatchEvent
	}
	ev := q.Events[0]
	q.Events = q.Events[1:]
	return ev, nil
}

// Len reports pending events.
func (q *MatchQueue) Len() int { return len(q.Events) }

// EventKind tags outbound ledger events.
type EventKind string

const (
	EventOrderFilled        EventKind = "order_filled"
	EventPositionOpened     EventKind = "position_opened"
	EventPositionClosed     EventKind = "position_closed"
	EventPositionLiquidated EventKind = "position_liquidated"
	EventLiquidityAdded     EventKind = "liquidity_added"
	EventLiquidityRemoved   EventKind = "liquidity_removed"
	EventPriceUpdated       EventKind = "price_updated"
)

// Event is one outbound notification appended by committed operations.
type Event struct {
	Kind      EventKind `json:"kind"`
	User      Address   `json:"user,omitempty"`
	Market    uint8     `json:"market,omitempty"`
	Asset     uint8     `json:"asset,omitempty"`
	Long      bool      `json:"long,omitempty"`
	Price     uint64    `json:"price,omitempty"`
	Size      uint64    `json:"size,omitempty"`
	Amount    uint64    `json:"amount,omitempty"`
	Fee       uint64    `json:"fee,omitempty"`
	Pnl       int64     `json:"pnl,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// EventQueue buffers outbound events for the transport layer. Oldest events
// are dropped once the buffer is full; it is a notification stream, not a
// ledger of record.
type EventQueue struct {
	Buf []Event `json:"buf"`
	Max int     `json:"max"`
}

// NewEventQueue creates a buffer holding at most max events.
func NewEventQueue(max int) *EventQueue {
	return &EventQueue{Max: max}
}

// Append adds an event, evicting the oldest on overflow. Timestamp comes
// from the operation's ledger clock sample.
func (q *EventQueue) Append(ev Event) {
	if len(q.Buf) >= q.Max && len(q.Buf) > 0 {
		q.Buf = q.Buf[1:]
	}
	q.Buf = append(q.Buf, ev)
}

// Drain removes and returns all buffered events.
func (q *EventQueue) Drain() []Event {
	out := q.Buf
	q.Buf = nil
	return out
}

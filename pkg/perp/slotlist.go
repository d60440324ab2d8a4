package perp

import "errors"

// Internal slot-list failures; callers map them onto the public capacity
// and index errors for their record kind.
var (
	errSlotListFull = errors.New("slot list full")
	errSlotIndex    = errors.New("invalid slot index")
)

// slotEntry is one element of a slotList. Links are slot indices, never
// pointers, so a list serializes and copies as plain data.
type slotEntry[T any] struct {
	Data  T     `json:"data"`
	InUse bool  `json:"inUse"`
	Next  uint8 `json:"next"`
	Prev  uint8 `json:"prev"`
}

// slotList is a fixed-capacity, index-linked list with an embedded free
// list. Allocation never grows the backing array; a full list is a hard
// failure surfaced to the caller.
type slotList[T any] struct {
	Entries  []slotEntry[T] `json:"entries"`
	Head     uint8          `json:"head"`
	Tail     uint8          `json:"tail"`
	FreeHead uint8          `json:"freeHead"`
	Used     uint8          `json:"used"`
}

func newSlotList[T any](capacity uint8) *slotList[T] {
	l := &slotList[T]{
		Entries:  make([]slotEntry[T], capacity),
		Head:     NilIndex8,
		Tail:     NilIndex8,
		FreeHead: NilIndex8,
	}
	for i := int(capacity) - 1; i >= 0; i-- {
		l.Entries[i].Next = l.FreeHead
		l.Entries[i].Prev = NilIndex8
		l.FreeHead = uint8(i)
	}
	return l
}

func (l *slotList[T]) capacity() uint8 { return uint8(len(l.Entries)) }

func (l *slotList[T]) inUse(i uint8) bool {
	return i < l.capacity() && l.Entries[i].InUse
}

func (l *slotList[T]) get(i uint8) (*slotEntry[T], error) {
	if !l.inUse(i) {
		return nil, errSlotIndex
	}
	return &l.Entries[i], nil
}

// alloc takes a slot off the free list and links it at the tail.
func (l *slotList[T]) alloc() (uint8, error) {
	i := l.FreeHead
	if i == NilIndex8 {
		return NilIndex8, errSlotListFull
	}
	entry := &l.Entries[i]
	l.FreeHead = entry.Next

	var zero T
	entry.Data = zero
	entry.InUse = true
	entry.Next = NilIndex8
	entry.Prev = l.Tail

	if l.Tail != NilIndex8 {
		l.Entries[l.Tail].Next = i
	} else {
		l.Head = i
	}
	l.Tail = i
	l.Used++
	return i, nil
}

// release unlinks a slot and returns it to the free list.
func (l *slotList[T]) release(i uint8) error {
	if !l.inUse(i) {
		return errSlotIndex
	}
	entry := &l.Entries[i]
	if entry.Prev != NilIndex8 {
		l.Entries[entry.Prev].Next = entry.Next
	} else {
		l.Head = entry.Next
	}
	if entry.Next != NilIndex8 {
		l.Entries[entry.Next].Prev = entry.Prev
	} else {
		l.Tail = entry.Prev
	}

	entry.InUse = false
	entry.Prev = NilIndex8
	entry.Next = l.FreeHead
	l.FreeHead = i
	l.Used--
	return nil
}

// each visits occupied slots in insertion order. Returning false stops the
// walk.
func (l *slotList[T]) each(fn func(i uint8, data *T) bool) {
	for i := l.Head; i != NilIndex8; {
		entry := &l.Entries[i]
		next := entry.Next
		if !fn(i, &entry.Data) {
			return
		}
		i = next
	}
}

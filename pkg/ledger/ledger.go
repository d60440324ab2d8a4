// Package ledger is the operation runtime around the perp core: it owns the
// live records (dex root, price feed, user states, token bank, oracle book),
// serializes operations through per-record locks, and turns the core's
// mutations into atomic commits backed by a database.
//
// Every operation declares the record keys it reads and writes. The runtime
// locks the union in sorted order, snapshots the write set, samples the
// clock once, and runs the operation against the live records. A rejected
// operation has its write set restored from the snapshots, so callers never
// observe partial state; a committed one is persisted in a single batch.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/perp"
)

// ErrNotInitialized rejects operations arriving before InitDex.
var ErrNotInitialized = errors.New("ledger not initialized")

// Ledger is the single-deployment operation runtime.
type Ledger struct {
	mu    sync.Mutex
	locks map[Key]*sync.Mutex

	log   log.Logger
	db    database.Database
	clock func() time.Time

	dex     *perp.Dex
	feed    *perp.PriceFeed
	users   map[perp.Address]*perp.UserState
	tokens  *TokenBank
	oracles *QuoteBook
}

// Option tweaks ledger construction.
type Option func(*Ledger)

// WithClock overrides the wall clock, pinning operation timestamps in tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// New builds a ledger over db, restoring any persisted records.
func New(db database.Database, logger log.Logger, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		locks:   make(map[Key]*sync.Mutex),
		log:     logger,
		db:      db,
		clock:   time.Now,
		users:   make(map[perp.Address]*perp.UserState),
		tokens:  NewTokenBank(),
		oracles: NewQuoteBook(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.load(); err != nil {
		return nil, fmt.Errorf("restoring ledger: %w", err)
	}
	return l, nil
}

// load restores persisted records from the database.
func (l *Ledger) load() error {
	if err := l.loadKey(KeyDex); err != nil {
		return err
	}
	if err := l.loadKey(KeyPriceFeed); err != nil {
		return err
	}
	if err := l.loadKey(KeyTokens); err != nil {
		return err
	}
	if err := l.loadKey(KeyOracles); err != nil {
		return err
	}

	it := l.db.NewIteratorWithPrefix([]byte(userKeyPrefix))
	if it == nil {
		return nil
	}
	defer it.Release()
	for it.Next() {
		if err := l.restore(Key(it.Key()), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

func (l *Ledger) loadKey(key Key) error {
	raw, err := l.db.Get([]byte(key))
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return l.restore(key, raw)
}

// lockFor returns the mutex guarding key, creating it on first use.
func (l *Ledger) lockFor(key Key) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// snapshot serializes the record behind key. Missing records snapshot as
// nil and restore to absent.
func (l *Ledger) snapshot(key Key) ([]byte, error) {
	rec := l.record(key)
	if rec == nil {
		return nil, nil
	}
	return json.Marshal(rec)
}

// record resolves key to the live record, or nil when absent.
func (l *Ledger) record(key Key) any {
	switch key {
	case KeyDex:
		if l.dex == nil {
			return nil
		}
		return l.dex
	case KeyPriceFeed:
		if l.feed == nil {
			return nil
		}
		return l.feed
	case KeyTokens:
		return l.tokens
	case KeyOracles:
		return l.oracles
	default:
		addr, err := userAddr(key)
		if err != nil {
			return nil
		}
		user, ok := l.users[addr]
		if !ok {
			return nil
		}
		return user
	}
}

// restore replaces the record behind key with the decoded raw form. A nil
// raw form removes the record.
func (l *Ledger) restore(key Key, raw []byte) error {
	switch key {
	case KeyDex:
		if raw == nil {
			l.dex = nil
			return nil
		}
		dex := new(perp.Dex)
		if err := json.Unmarshal(raw, dex); err != nil {
			return err
		}
		l.dex = dex
	case KeyPriceFeed:
		if raw == nil {
			l.feed = nil
			return nil
		}
		feed := new(perp.PriceFeed)
		if err := json.Unmarshal(raw, feed); err != nil {
			return err
		}
		l.feed = feed
	case KeyTokens:
		bank := NewTokenBank()
		if raw != nil {
			if err := json.Unmarshal(raw, bank); err != nil {
				return err
			}
		}
		l.tokens = bank
	case KeyOracles:
		book := NewQuoteBook()
		if raw != nil {
			if err := json.Unmarshal(raw, book); err != nil {
				return err
			}
		}
		l.oracles = book
	default:
		addr, err := userAddr(key)
		if err != nil {
			return err
		}
		if raw == nil {
			delete(l.users, addr)
			return nil
		}
		user := new(perp.UserState)
		if err := json.Unmarshal(raw, user); err != nil {
			return err
		}
		l.users[addr] = user
	}
	return nil
}

func userAddr(key Key) (perp.Address, error) {
	s := strings.TrimPrefix(string(key), userKeyPrefix)
	if s == string(key) {
		return perp.Address{}, fmt.Errorf("unknown record key %q", key)
	}
	return perp.ParseAddress(s)
}

// apply runs one operation under the locks of its declared read and write
// sets. On error the write set is rolled back to the pre-operation
// snapshots; on success it is persisted in one batch.
func (l *Ledger) apply(name string, reads, writes []Key, fn func(now int64) error) error {
	keys := append(append([]Key{}, reads...), writes...)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	var locked []Key
	for _, key := range keys {
		if len(locked) > 0 && locked[len(locked)-1] == key {
			continue
		}
		l.lockFor(key).Lock()
		locked = append(locked, key)
	}
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			l.lockFor(locked[i]).Unlock()
		}
	}()

	snapshots := make(map[Key][]byte, len(writes))
	for _, key := range writes {
		snap, err := l.snapshot(key)
		if err != nil {
			return fmt.Errorf("snapshotting %s: %w", key, err)
		}
		snapshots[key] = snap
	}

	opID := uuid.NewString()
	now := l.clock().Unix()

	if err := fn(now); err != nil {
		for key, snap := range snapshots {
			if rerr := l.restore(key, snap); rerr != nil {
				l.log.Error("rollback failed", "op", name, "id", opID, "key", string(key), "error", rerr)
			}
		}
		l.log.Debug("operation rejected", "op", name, "id", opID, "error", err)
		return err
	}

	batch := l.db.NewBatch()
	for _, key := range writes {
		rec := l.record(key)
		if rec == nil {
			if err := batch.Delete([]byte(key)); err != nil {
				return err
			}
			continue
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", key, err)
		}
		if err := batch.Put([]byte(key), raw); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("committing %s: %w", name, err)
	}
	l.log.Debug("operation committed", "op", name, "id", opID, "writes", len(writes))
	return nil
}

// requireDex guards operations that need an initialized deployment.
func (l *Ledger) requireDex() error {
	if l.dex == nil {
		return ErrNotInitialized
	}
	return nil
}

// user resolves a user state record address.
func (l *Ledger) user(addr perp.Address) (*perp.UserState, error) {
	user, ok := l.users[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", perp.ErrInvalidUserState, addr)
	}
	return user, nil
}

// userByOwner resolves the record of owner under the current deployment.
func (l *Ledger) userByOwner(owner perp.Address) (perp.Address, *perp.UserState, error) {
	if l.dex == nil {
		return perp.Address{}, nil, ErrNotInitialized
	}
	addr := UserStateAddress(l.dex.Key, owner)
	user, err := l.user(addr)
	return addr, user, err
}

// User implements perp.UserStore for the crank: match events carry owner
// addresses, records are stored under derived addresses.
func (l *Ledger) User(owner perp.Address) (*perp.UserState, error) {
	_, user, err := l.userByOwner(owner)
	return user, err
}

// DrainEvents removes and returns buffered outbound events.
func (l *Ledger) DrainEvents() []perp.Event {
	var out []perp.Event
	err := l.apply("drainEvents", nil, []Key{KeyDex}, func(int64) error {
		if l.dex == nil {
			return ErrNotInitialized
		}
		out = l.dex.Events.Drain()
		return nil
	})
	if err != nil {
		return nil
	}
	return out
}

// Package feed subscribes to external price ticks and writes them into the
// oracle book.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/luxfi/perps/pkg/perp"
)

// PriceSink receives parsed quotes. The ledger satisfies this.
type PriceSink interface {
	FeedMockOraclePrice(caller, oracle perp.Address, raw uint64, expo int32) error
}

// Tick is the published wire form of one price update. Price is a decimal
// string in USDC, e.g. "19500.25".
type Tick struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

// ParsePrice converts a decimal USDC price string into micro-USDC.
func ParsePrice(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parsing price %q: %w", s, err)
	}
	micro := d.Shift(6).Truncate(0)
	if micro.Sign() <= 0 {
		return 0, fmt.Errorf("price %q: %w", s, perp.ErrInvalidPrice)
	}
	if !micro.BigInt().IsUint64() {
		return 0, fmt.Errorf("price %q: %w", s, perp.ErrOverflow)
	}
	return micro.BigInt().Uint64(), nil
}

// Subscriber routes ticks from NATS subjects into the sink.
type Subscriber struct {
	sink   PriceSink
	logger log.Logger

	caller  perp.Address
	prefix  string
	sources map[string]perp.Address

	nc  *nats.Conn
	sub *nats.Subscription

	accepted uint64
	rejected uint64
}

// NewSubscriber builds a subscriber. sources maps subject suffixes to
// oracle addresses; caller must hold feed authority on the ledger.
func NewSubscriber(sink PriceSink, logger log.Logger, caller perp.Address, prefix string, sources map[string]perp.Address) *Subscriber {
	return &Subscriber{
		sink:    sink,
		logger:  logger,
		caller:  caller,
		prefix:  prefix,
		sources: sources,
	}
}

// Start connects to NATS and subscribes to all configured subjects. The
// subscription is torn down when ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context, url string) error {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	s.nc = nc

	subject := s.prefix + ".>"
	s.sub, err = nc.Subscribe(subject, func(m *nats.Msg) {
		s.Handle(m.Subject, m.Data)
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	s.logger.Info("price feed subscribed", "url", url, "subject", subject, "sources", len(s.sources))

	go func() {
		<-ctx.Done()
		s.sub.Unsubscribe()
		nc.Close()
	}()
	return nil
}

// Handle processes one tick. Unknown sources and malformed ticks are
// counted and dropped; the feed never aborts on bad input.
func (s *Subscriber) Handle(subject string, data []byte) {
	suffix := strings.TrimPrefix(subject, s.prefix+".")
	oracle, ok := s.sources[suffix]
	if !ok {
		atomic.AddUint64(&s.rejected, 1)
		return
	}

	var tick Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		atomic.AddUint64(&s.rejected, 1)
		s.logger.Warn("malformed tick", "subject", subject, "error", err)
		return
	}
	price, err := ParsePrice(tick.Price)
	if err != nil {
		atomic.AddUint64(&s.rejected, 1)
		s.logger.Warn("unusable tick price", "subject", subject, "error", err)
		return
	}

	if err := s.sink.FeedMockOraclePrice(s.caller, oracle, price, 0); err != nil {
		atomic.AddUint64(&s.rejected, 1)
		s.logger.Warn("quote rejected", "subject", subject, "error", err)
		return
	}
	atomic.AddUint64(&s.accepted, 1)
	s.logger.Debug("quote accepted", "source", suffix, "price", price)
}

// Stats reports accepted and rejected tick counts.
func (s *Subscriber) Stats() (accepted, rejected uint64) {
	return atomic.LoadUint64(&s.accepted), atomic.LoadUint64(&s.rejected)
}

package feed

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/perp"
)

type capturedQuote struct {
	caller perp.Address
	oracle perp.Address
	raw    uint64
	expo   int32
}

type stubSink struct {
	quotes []capturedQuote
	err    error
}

func (s *stubSink) FeedMockOraclePrice(caller, oracle perp.Address, raw uint64, expo int32) error {
	if s.err != nil {
		return s.err
	}
	s.quotes = append(s.quotes, capturedQuote{caller, oracle, raw, expo})
	return nil
}

func newSubscriber(sink PriceSink) *Subscriber {
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)
	return NewSubscriber(sink, logger,
		perp.AddressFromBytes([]byte("delegate")),
		"perps.prices",
		map[string]perp.Address{
			"BTC": perp.AddressFromBytes([]byte("oracle-BTC")),
			"SOL": perp.AddressFromBytes([]byte("oracle-SOL")),
		})
}

func tick(t *testing.T, symbol, price string) []byte {
	t.Helper()
	raw, err := json.Marshal(Tick{Symbol: symbol, Price: price, Timestamp: 1_700_000_000})
	require.NoError(t, err)
	return raw
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "19500.25", want: 19_500_250_000},
		{in: "20000", want: 20_000_000_000},
		{in: "0.000001", want: 1},
		// Sub-micro precision truncates.
		{in: "1.0000019", want: 1_000_001},
		{in: "0", wantErr: true},
		{in: "-5", wantErr: true},
		{in: "0.0000001", wantErr: true},
		{in: "not-a-price", wantErr: true},
		{in: "99999999999999999999", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParsePrice(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestHandleRoutesToOracle(t *testing.T) {
	sink := &stubSink{}
	s := newSubscriber(sink)

	s.Handle("perps.prices.BTC", tick(t, "BTC", "19500.25"))
	s.Handle("perps.prices.SOL", tick(t, "SOL", "20"))

	require.Len(t, sink.quotes, 2)
	assert.Equal(t, perp.AddressFromBytes([]byte("oracle-BTC")), sink.quotes[0].oracle)
	assert.Equal(t, uint64(19_500_250_000), sink.quotes[0].raw)
	assert.Equal(t, int32(0), sink.quotes[0].expo)
	assert.Equal(t, perp.AddressFromBytes([]byte("oracle-SOL")), sink.quotes[1].oracle)
	assert.Equal(t, uint64(20_000_000), sink.quotes[1].raw)

	accepted, rejected := s.Stats()
	assert.Equal(t, uint64(2), accepted)
	assert.Zero(t, rejected)
}

func TestHandleDropsUnknownSource(t *testing.T) {
	sink := &stubSink{}
	s := newSubscriber(sink)

	s.Handle("perps.prices.DOGE", tick(t, "DOGE", "0.1"))

	assert.Empty(t, sink.quotes)
	_, rejected := s.Stats()
	assert.Equal(t, uint64(1), rejected)
}

func TestHandleDropsMalformedTick(t *testing.T) {
	sink := &stubSink{}
	s := newSubscriber(sink)

	s.Handle("perps.prices.BTC", []byte("{broken"))
	s.Handle("perps.prices.BTC", tick(t, "BTC", "zero"))

	assert.Empty(t, sink.quotes)
	_, rejected := s.Stats()
	assert.Equal(t, uint64(2), rejected)
}

func TestHandleCountsSinkRejections(t *testing.T) {
	sink := &stubSink{err: errors.New("not allowed")}
	s := newSubscriber(sink)

	s.Handle("perps.prices.BTC", tick(t, "BTC", "19500"))

	accepted, rejected := s.Stats()
	assert.Zero(t, accepted)
	assert.Equal(t, uint64(1), rejected)
}

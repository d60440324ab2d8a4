package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/ledger"
	"github.com/luxfi/perps/pkg/perp"
)

func scrape(t *testing.T, m *PerpsMetrics) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)
	require.Equal(t, 200, w.Code)
	return w.Body.String()
}

func TestCountersAppearInScrape(t *testing.T) {
	m, err := NewPerpsMetrics("perps")
	require.NoError(t, err)

	m.RecordCommit()
	m.RecordCommit()
	m.RecordReject()
	m.RecordFills(3)
	m.RecordEvent(perp.EventPositionOpened)
	m.RecordEvent(perp.EventPositionLiquidated)
	m.RecordQuote(true)
	m.RecordQuote(false)

	body := scrape(t, m)
	assert.Contains(t, body, "perps_operations_committed_total 2")
	assert.Contains(t, body, "perps_operations_rejected_total 1")
	assert.Contains(t, body, "perps_orders_filled_total 3")
	assert.Contains(t, body, "perps_positions_opened_total 1")
	assert.Contains(t, body, "perps_liquidations_total 1")
	assert.Contains(t, body, "perps_feed_quotes_accepted_total 1")
	assert.Contains(t, body, "perps_feed_quotes_rejected_total 1")
}

func TestObserveLedger(t *testing.T) {
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)
	now := time.Now().Unix()
	l, err := ledger.New(memdb.New(), logger, ledger.WithClock(func() time.Time {
		return time.Unix(now, 0)
	}))
	require.NoError(t, err)

	authority := perp.AddressFromBytes([]byte("authority"))
	require.NoError(t, l.InitDex(perp.DexParams{
		Key:       perp.AddressFromBytes([]byte("dex")),
		Authority: authority,
		VlpMint:   perp.AddressFromBytes([]byte("vlp-mint")),
		VlpVault:  perp.AddressFromBytes([]byte("vlp-vault")),
		VlpNonce:  255,
		PriceFeed: perp.AddressFromBytes([]byte("price-feed")),
	}))

	m, err := NewPerpsMetrics("perps")
	require.NoError(t, err)
	require.NoError(t, m.ObserveLedger(l))

	body := scrape(t, m)
	assert.Contains(t, body, "perps_user_count 0")
	assert.Contains(t, body, "perps_vlp_staked_total 0")
	assert.Contains(t, body, "perps_match_queue_backlog 0")
}

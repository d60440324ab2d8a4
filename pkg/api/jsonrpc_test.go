package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perps/pkg/ledger"
	"github.com/luxfi/perps/pkg/perp"
	"github.com/luxfi/perps/pkg/signer"
)

// testDeployment is a bootstrapped exchange with one BTC market, a funded
// owner account and pool liquidity.
type testDeployment struct {
	ledger    *ledger.Ledger
	authority perp.Address
	owner     perp.Address
	funding   perp.Address
	btcOracle perp.Address
	btcIndex  uint8
	btcMarket uint8
}

func testAddr(tag string) perp.Address {
	return perp.AddressFromBytes([]byte(tag))
}

func newTestDeployment(t *testing.T) *testDeployment {
	t.Helper()
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)

	now := time.Now().Unix()
	l, err := ledger.New(memdb.New(), logger, ledger.WithClock(func() time.Time {
		return time.Unix(now, 0)
	}))
	require.NoError(t, err)

	d := &testDeployment{
		ledger:    l,
		authority: testAddr("authority"),
		owner:     testAddr("alice"),
		funding:   testAddr("funding-alice"),
		btcOracle: testAddr("oracle-BTC"),
	}
	dexKey := testAddr("dex")
	require.NoError(t, l.InitDex(perp.DexParams{
		Key:       dexKey,
		Authority: d.authority,
		VlpMint:   testAddr("vlp-mint"),
		VlpVault:  testAddr("vlp-vault"),
		VlpNonce:  255,
		PriceFeed: testAddr("price-feed"),
	}))
	require.NoError(t, l.InitPriceFeed(d.authority))

	mint := testAddr("mint-BTC")
	vault := testAddr("vault-BTC")
	sig, nonce := signer.Find(mint[:], dexKey[:])
	require.NoError(t, l.CreateTokenAccount(vault, mint, perp.Address(sig)))
	require.NoError(t, l.FeedMockOraclePrice(d.authority, d.btcOracle, 20_000*perp.USDCPow, 0))
	d.btcIndex, err = l.AddAsset(d.authority, perp.AssetParams{
		Symbol:                 "BTC",
		Decimals:               9,
		Nonce:                  nonce,
		Mint:                   mint,
		Vault:                  vault,
		ProgramSigner:          perp.Address(sig),
		Oracle:                 d.btcOracle,
		OracleSource:           perp.OracleMock,
		BorrowFeeRate:          10,
		AddLiquidityFeeRate:    100,
		RemoveLiquidityFeeRate: 100,
		SwapFeeRate:            10,
		TargetWeight:           300,
	})
	require.NoError(t, err)

	d.btcMarket, err = l.AddMarket(d.authority, perp.MarketParams{
		Symbol:                  "BTC-PERP",
		Decimals:                9,
		Oracle:                  d.btcOracle,
		OracleSource:            perp.OracleMock,
		AssetIndex:              d.btcIndex,
		SignificantDecimals:     2,
		MinimumOpenAmount:       100 * perp.USDCPow,
		ChargeBorrowFeeInterval: 3600,
		OpenFeeRate:             20,
		CloseFeeRate:            20,
		LiquidateFeeRate:        50,
		LiquidateThreshold:      10,
		MaxLeverage:             30_000,
		OrderPoolPages:          2,
	})
	require.NoError(t, err)

	require.NoError(t, l.CreateTokenAccount(d.funding, perp.ZeroAddress, d.owner))
	require.NoError(t, l.MintTokens(d.funding, 20_000_000_000))
	_, err = l.CreateUserState(d.owner, 8, 8, 8)
	require.NoError(t, err)
	_, err = l.AddLiquidity(d.owner, d.funding, d.btcIndex, 10_000_000_000)
	require.NoError(t, err)
	return d
}

func (d *testDeployment) rpc(t *testing.T, server *JSONRPCServer, method string, params interface{}, id int) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	reqBody := fmt.Sprintf(`{"jsonrpc":"2.0","method":"%s","params":%s,"id":%d}`, method, raw, id)
	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(reqBody))
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp["jsonrpc"])
	assert.Equal(t, float64(id), resp["id"])
	return resp
}

func newRPCServer(t *testing.T) (*testDeployment, *JSONRPCServer) {
	t.Helper()
	d := newTestDeployment(t)
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)
	return d, NewJSONRPCServer(d.ledger, logger)
}

func TestJSONRPCServer_Ping(t *testing.T) {
	d, server := newRPCServer(t)
	resp := d.rpc(t, server, "perps_ping", map[string]interface{}{}, 1)
	assert.Equal(t, "pong", resp["result"])
}

func TestJSONRPCServer_GetInfo(t *testing.T) {
	d, server := newRPCServer(t)
	resp := d.rpc(t, server, "perps_getInfo", map[string]interface{}{}, 2)

	result := resp["result"].(map[string]interface{})
	assert.Equal(t, float64(1), result["assetCount"])
	assert.Equal(t, float64(1), result["marketCount"])
	assert.Equal(t, float64(1), result["userCount"])
	assert.Greater(t, result["vlpStaked"], float64(0))
}

func TestJSONRPCServer_GetAssets(t *testing.T) {
	d, server := newRPCServer(t)
	resp := d.rpc(t, server, "perps_getAssets", map[string]interface{}{}, 3)

	assets := resp["result"].([]interface{})
	require.Len(t, assets, 1)
	asset := assets[0].(map[string]interface{})
	assert.Equal(t, "BTC", asset["symbol"])
	assert.Equal(t, float64(9), asset["decimals"])
}

func TestJSONRPCServer_GetMarkets(t *testing.T) {
	d, server := newRPCServer(t)
	resp := d.rpc(t, server, "perps_getMarkets", map[string]interface{}{}, 4)

	markets := resp["result"].([]interface{})
	require.Len(t, markets, 1)
	market := markets[0].(map[string]interface{})
	assert.Equal(t, "BTC-PERP", market["symbol"])
	assert.Equal(t, float64(30_000), market["maxLeverage"])
}

func TestJSONRPCServer_GetUser(t *testing.T) {
	d, server := newRPCServer(t)
	resp := d.rpc(t, server, "perps_getUser", map[string]interface{}{
		"owner": d.owner,
	}, 5)

	require.Nil(t, resp["error"])
	assert.NotNil(t, resp["result"])
}

func TestJSONRPCServer_TradeFlow(t *testing.T) {
	d, server := newRPCServer(t)

	resp := d.rpc(t, server, "perps_deposit", map[string]interface{}{
		"owner":          d.owner,
		"fundingAccount": d.funding,
		"assetIndex":     d.btcIndex,
		"amount":         1_000_000_000,
	}, 10)
	require.Nil(t, resp["error"])

	resp = d.rpc(t, server, "perps_bid", map[string]interface{}{
		"owner":       d.owner,
		"marketIndex": d.btcMarket,
		"long":        true,
		"price":       uint64(19_500) * perp.USDCPow,
		"amount":      500_000_000,
		"leverage":    10_000,
	}, 11)
	require.Nil(t, resp["error"])
	assert.Equal(t, "accepted", resp["result"].(map[string]interface{})["status"])

	// Cross the book and settle.
	require.NoError(t, d.ledger.FeedMockOraclePrice(d.authority, d.btcOracle, 19_400*perp.USDCPow, 0))
	resp = d.rpc(t, server, "perps_fillOrders", map[string]interface{}{
		"marketIndex": d.btcMarket,
	}, 12)
	require.Nil(t, resp["error"])
	assert.Equal(t, float64(1), resp["result"].(map[string]interface{})["filled"])

	resp = d.rpc(t, server, "perps_crank", map[string]interface{}{}, 13)
	require.Nil(t, resp["error"])
	assert.Equal(t, float64(1), resp["result"].(map[string]interface{})["settled"])
}

func TestJSONRPCServer_CancelUnknownSlot(t *testing.T) {
	d, server := newRPCServer(t)
	resp := d.rpc(t, server, "perps_cancel", map[string]interface{}{
		"owner": d.owner,
		"slot":  3,
	}, 20)

	require.NotNil(t, resp["error"])
	rpcErr := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(OperationRejected), rpcErr["code"])
}

func TestJSONRPCServer_MethodNotFound(t *testing.T) {
	d, server := newRPCServer(t)
	resp := d.rpc(t, server, "perps_unknown", map[string]interface{}{}, 21)

	require.NotNil(t, resp["error"])
	rpcErr := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(MethodNotFound), rpcErr["code"])
}

func TestJSONRPCServer_InvalidVersion(t *testing.T) {
	_, server := newRPCServer(t)
	reqBody := `{"jsonrpc":"1.0","method":"perps_ping","params":{},"id":1}`
	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(reqBody))
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	rpcErr := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(InvalidRequest), rpcErr["code"])
}

func TestJSONRPCServer_ParseError(t *testing.T) {
	_, server := newRPCServer(t)
	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	rpcErr := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(ParseError), rpcErr["code"])
}

func TestJSONRPCServer_RejectsGet(t *testing.T) {
	_, server := newRPCServer(t)
	req := httptest.NewRequest("GET", "/rpc", nil)
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

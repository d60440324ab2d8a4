package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/ledger"
	"github.com/luxfi/perps/pkg/perp"
)

// JSONRPCServer handles JSON-RPC 2.0 requests against a ledger
type JSONRPCServer struct {
	ledger *ledger.Ledger
	logger log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(l *ledger.Ledger, logger log.Logger) *JSONRPCServer {
	return &JSONRPCServer{
		ledger: l,
		logger: logger,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// OperationRejected carries a domain rejection; the message is the
	// stable error string of the rejection code.
	OperationRejected = -32000
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: OperationRejected, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Info methods
	case "perps_ping":
		return "pong", nil
	case "perps_getInfo":
		return s.getInfo()
	case "perps_getAssets":
		return s.getAssets()
	case "perps_getMarkets":
		return s.getMarkets()
	case "perps_getPrices":
		return s.getPrices()
	case "perps_getUser":
		return s.getUser(params)

	// Account methods
	case "perps_createUserState":
		return s.createUserState(params)
	case "perps_deposit":
		return s.deposit(params)
	case "perps_withdraw":
		return s.withdraw(params)

	// Liquidity methods
	case "perps_addLiquidity":
		return s.addLiquidity(params)
	case "perps_removeLiquidity":
		return s.removeLiquidity(params)
	case "perps_claimRewards":
		return s.claimRewards(params)
	case "perps_swap":
		return s.swap(params)

	// Trading methods
	case "perps_bid":
		return s.bid(params)
	case "perps_ask":
		return s.ask(params)
	case "perps_cancel":
		return s.cancel(params)
	case "perps_cancelAll":
		return s.cancelAll(params)
	case "perps_closePosition":
		return s.closePosition(params)
	case "perps_liquidate":
		return s.liquidate(params)

	// Keeper methods
	case "perps_fillOrders":
		return s.fillOrders(params)
	case "perps_crank":
		return s.crank()
	case "perps_updatePrice":
		return s.updatePrice(params)

	default:
		if result, ok, err := s.adminMethod(method, params); ok {
			return result, err
		}
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// AssetInfo is the wire form of one registered pool asset.
type AssetInfo struct {
	Index           uint8        `json:"index"`
	Symbol          string       `json:"symbol"`
	Decimals        uint8        `json:"decimals"`
	Mint            perp.Address `json:"mint"`
	Vault           perp.Address `json:"vault"`
	LiquidityAmount uint64       `json:"liquidityAmount"`
	FeeAmount       uint64       `json:"feeAmount"`
}

// MarketInfo is the wire form of one leveraged market, without its book.
type MarketInfo struct {
	Index              uint8  `json:"index"`
	Symbol             string `json:"symbol"`
	AssetIndex         uint8  `json:"assetIndex"`
	MaxLeverage        uint32 `json:"maxLeverage"`
	MinimumOpenAmount  uint64 `json:"minimumOpenAmount"`
	OpenFeeRate        uint16 `json:"openFeeRate"`
	CloseFeeRate       uint16 `json:"closeFeeRate"`
	LiquidateThreshold uint8  `json:"liquidateThreshold"`
	GlobalLongSize     uint64 `json:"globalLongSize"`
	GlobalShortSize    uint64 `json:"globalShortSize"`
	RestingOrders      uint32 `json:"restingOrders"`
}

func (s *JSONRPCServer) getInfo() (interface{}, error) {
	var info map[string]interface{}
	err := s.ledger.View(func(dex *perp.Dex, _ *perp.PriceFeed) error {
		info = map[string]interface{}{
			"assetCount":  dex.AssetCount,
			"marketCount": dex.MarketCount,
			"userCount":   dex.UserCount,
			"vlpStaked":   dex.VlpPool.StakedTotal,
			"rewardTotal": dex.VlpPool.RewardTotal,
			"timestamp":   time.Now().Unix(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *JSONRPCServer) getAssets() (interface{}, error) {
	var assets []AssetInfo
	err := s.ledger.View(func(dex *perp.Dex, _ *perp.PriceFeed) error {
		for i := range dex.Assets {
			a := &dex.Assets[i]
			if !a.Valid {
				continue
			}
			assets = append(assets, AssetInfo{
				Index:           uint8(i),
				Symbol:          a.Symbol.String(),
				Decimals:        a.Decimals,
				Mint:            a.Mint,
				Vault:           a.Vault,
				LiquidityAmount: a.LiquidityAmount,
				FeeAmount:       a.FeeAmount,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}

func (s *JSONRPCServer) getMarkets() (interface{}, error) {
	var markets []MarketInfo
	err := s.ledger.View(func(dex *perp.Dex, _ *perp.PriceFeed) error {
		for i := range dex.Markets {
			m := &dex.Markets[i]
			if !m.Valid {
				continue
			}
			markets = append(markets, MarketInfo{
				Index:              uint8(i),
				Symbol:             m.Symbol.String(),
				AssetIndex:         m.AssetIndex,
				MaxLeverage:        m.MaxLeverage,
				MinimumOpenAmount:  m.MinimumOpenAmount,
				OpenFeeRate:        m.OpenFeeRate,
				CloseFeeRate:       m.CloseFeeRate,
				LiquidateThreshold: m.LiquidateThreshold,
				GlobalLongSize:     m.GlobalLong.Size,
				GlobalShortSize:    m.GlobalShort.Size,
				RestingOrders:      m.OrderPool.Allocated,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return markets, nil
}

func (s *JSONRPCServer) getPrices() (interface{}, error) {
	prices := make(map[string]perp.PriceEntry)
	err := s.ledger.View(func(dex *perp.Dex, feed *perp.PriceFeed) error {
		if feed == nil {
			return nil
		}
		for i := uint8(0); i < perp.MaxAssetCount; i++ {
			entry, err := feed.LatestPrice(i)
			if err != nil {
				continue
			}
			key := fmt.Sprintf("%d", i)
			if i < dex.AssetCount {
				key = dex.Assets[i].Symbol.String()
			}
			prices[key] = entry
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prices, nil
}

func (s *JSONRPCServer) getUser(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner perp.Address `json:"owner"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	var user perp.UserState
	err := s.ledger.ViewUser(p.Owner, func(u *perp.UserState) error {
		user = *u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *JSONRPCServer) createUserState(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner         perp.Address `json:"owner"`
		OrderSlots    uint8        `json:"orderSlots"`
		PositionSlots uint8        `json:"positionSlots"`
		AssetSlots    uint8        `json:"assetSlots"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	addr, err := s.ledger.CreateUserState(p.Owner, p.OrderSlots, p.PositionSlots, p.AssetSlots)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"address": addr}, nil
}

func (s *JSONRPCServer) deposit(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner          perp.Address `json:"owner"`
		FundingAccount perp.Address `json:"fundingAccount"`
		AssetIndex     uint8        `json:"assetIndex"`
		Amount         uint64       `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.Deposit(p.Owner, p.FundingAccount, p.AssetIndex, p.Amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "deposited"}, nil
}

func (s *JSONRPCServer) withdraw(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner          perp.Address `json:"owner"`
		FundingAccount perp.Address `json:"fundingAccount"`
		AssetIndex     uint8        `json:"assetIndex"`
		Amount         uint64       `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.Withdraw(p.Owner, p.FundingAccount, p.AssetIndex, p.Amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "withdrawn"}, nil
}

func (s *JSONRPCServer) addLiquidity(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner          perp.Address `json:"owner"`
		FundingAccount perp.Address `json:"fundingAccount"`
		AssetIndex     uint8        `json:"assetIndex"`
		Amount         uint64       `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	minted, err := s.ledger.AddLiquidity(p.Owner, p.FundingAccount, p.AssetIndex, p.Amount)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"minted": minted}, nil
}

func (s *JSONRPCServer) removeLiquidity(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner          perp.Address `json:"owner"`
		FundingAccount perp.Address `json:"fundingAccount"`
		AssetIndex     uint8        `json:"assetIndex"`
		VlpAmount      uint64       `json:"vlpAmount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	returned, err := s.ledger.RemoveLiquidity(p.Owner, p.FundingAccount, p.AssetIndex, p.VlpAmount)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"returned": returned}, nil
}

func (s *JSONRPCServer) claimRewards(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner     perp.Address `json:"owner"`
		ToAccount perp.Address `json:"toAccount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	claimed, err := s.ledger.ClaimRewards(p.Owner, p.ToAccount)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"claimed": claimed}, nil
}

func (s *JSONRPCServer) swap(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner       perp.Address `json:"owner"`
		FromAccount perp.Address `json:"fromAccount"`
		ToAccount   perp.Address `json:"toAccount"`
		InIndex     uint8        `json:"inIndex"`
		OutIndex    uint8        `json:"outIndex"`
		AmountIn    uint64       `json:"amountIn"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	out, err := s.ledger.Swap(p.Owner, p.FromAccount, p.ToAccount, p.InIndex, p.OutIndex, p.AmountIn)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"amountOut": out}, nil
}

func (s *JSONRPCServer) bid(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner       perp.Address `json:"owner"`
		MarketIndex uint8        `json:"marketIndex"`
		Long        bool         `json:"long"`
		Price       uint64       `json:"price"`
		Amount      uint64       `json:"amount"`
		Leverage    uint32       `json:"leverage"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	slot, err := s.ledger.Bid(p.Owner, p.MarketIndex, p.Long, p.Price, p.Amount, p.Leverage)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"slot": slot, "status": "accepted"}, nil
}

func (s *JSONRPCServer) ask(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner       perp.Address `json:"owner"`
		MarketIndex uint8        `json:"marketIndex"`
		Long        bool         `json:"long"`
		Price       uint64       `json:"price"`
		Size        uint64       `json:"size"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	slot, err := s.ledger.Ask(p.Owner, p.MarketIndex, p.Long, p.Price, p.Size)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"slot": slot, "status": "accepted"}, nil
}

func (s *JSONRPCServer) cancel(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner perp.Address `json:"owner"`
		Slot  uint8        `json:"slot"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.Cancel(p.Owner, p.Slot); err != nil {
		return nil, err
	}
	return map[string]interface{}{"slot": p.Slot, "status": "cancelled"}, nil
}

func (s *JSONRPCServer) cancelAll(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner perp.Address `json:"owner"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.CancelAll(p.Owner); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "cancelled"}, nil
}

func (s *JSONRPCServer) closePosition(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner       perp.Address `json:"owner"`
		MarketIndex uint8        `json:"marketIndex"`
		Long        bool         `json:"long"`
		Size        uint64       `json:"size"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.ClosePosition(p.Owner, p.MarketIndex, p.Long, p.Size); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "closed"}, nil
}

func (s *JSONRPCServer) liquidate(params json.RawMessage) (interface{}, error) {
	var p struct {
		Owner       perp.Address `json:"owner"`
		MarketIndex uint8        `json:"marketIndex"`
		Long        bool         `json:"long"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.Liquidate(p.Owner, p.MarketIndex, p.Long); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "liquidated"}, nil
}

func (s *JSONRPCServer) fillOrders(params json.RawMessage) (interface{}, error) {
	var p struct {
		MarketIndex uint8 `json:"marketIndex"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	filled, err := s.ledger.FillOrders(p.MarketIndex)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"filled": filled}, nil
}

func (s *JSONRPCServer) crank() (interface{}, error) {
	settled := 0
	for {
		err := s.ledger.CrankOnce()
		if errors.Is(err, perp.ErrNoMatchEvent) {
			break
		}
		if err != nil {
			return nil, err
		}
		settled++
	}
	return map[string]interface{}{"settled": settled}, nil
}

func (s *JSONRPCServer) updatePrice(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller perp.Address `json:"caller"`
		Prices []uint64     `json:"prices"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.UpdatePrice(p.Caller, p.Prices); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "updated"}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartJSONRPCServer starts the JSON-RPC server
func StartJSONRPCServer(ctx context.Context, port int, l *ledger.Ledger, logger log.Logger) error {
	server := NewJSONRPCServer(l, logger)

	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}

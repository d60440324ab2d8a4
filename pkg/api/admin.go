package api

import (
	"encoding/json"

	"github.com/luxfi/perps/pkg/perp"
)

// adminMethod routes deployment and authority operations. Authorization is
// enforced by the ledger, not the transport: every operation carries its
// caller and the core checks it against the recorded authority.
func (s *JSONRPCServer) adminMethod(method string, params json.RawMessage) (interface{}, bool, error) {
	switch method {
	case "perps_initDex":
		res, err := s.initDex(params)
		return res, true, err
	case "perps_initPriceFeed":
		res, err := s.initPriceFeed(params)
		return res, true, err
	case "perps_initPriceFeedSlot":
		res, err := s.initPriceFeedSlot(params)
		return res, true, err
	case "perps_addAsset":
		res, err := s.addAsset(params)
		return res, true, err
	case "perps_addMarket":
		res, err := s.addMarket(params)
		return res, true, err
	case "perps_setRewardAsset":
		res, err := s.setRewardAsset(params)
		return res, true, err
	case "perps_setDelegate":
		res, err := s.setDelegate(params)
		return res, true, err
	case "perps_setFeeRates":
		res, err := s.setFeeRates(params)
		return res, true, err
	case "perps_createTokenAccount":
		res, err := s.createTokenAccount(params)
		return res, true, err
	case "perps_mintTokens":
		res, err := s.mintTokens(params)
		return res, true, err
	case "perps_mintVlpToken":
		res, err := s.mintVlpToken(params)
		return res, true, err
	case "perps_feedOraclePrice":
		res, err := s.feedOraclePrice(params)
		return res, true, err
	case "perps_withdrawFees":
		res, err := s.withdrawFees(params)
		return res, true, err
	default:
		return nil, false, nil
	}
}

func (s *JSONRPCServer) initDex(params json.RawMessage) (interface{}, error) {
	var p struct {
		Key       perp.Address `json:"key"`
		Authority perp.Address `json:"authority"`
		VlpMint   perp.Address `json:"vlpMint"`
		VlpVault  perp.Address `json:"vlpVault"`
		VlpNonce  uint8        `json:"vlpNonce"`
		PriceFeed perp.Address `json:"priceFeed"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	err := s.ledger.InitDex(perp.DexParams{
		Key:       p.Key,
		Authority: p.Authority,
		VlpMint:   p.VlpMint,
		VlpVault:  p.VlpVault,
		VlpNonce:  p.VlpNonce,
		PriceFeed: p.PriceFeed,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "initialized"}, nil
}

func (s *JSONRPCServer) initPriceFeed(params json.RawMessage) (interface{}, error) {
	var p struct {
		Authority perp.Address `json:"authority"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.InitPriceFeed(p.Authority); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "initialized"}, nil
}

func (s *JSONRPCServer) initPriceFeedSlot(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller     perp.Address `json:"caller"`
		AssetIndex uint8        `json:"assetIndex"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.InitPriceFeedSlot(p.Caller, p.AssetIndex); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "initialized"}, nil
}

func (s *JSONRPCServer) addAsset(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller perp.Address     `json:"caller"`
		Asset  perp.AssetParams `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	index, err := s.ledger.AddAsset(p.Caller, p.Asset)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"index": index}, nil
}

func (s *JSONRPCServer) addMarket(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller perp.Address      `json:"caller"`
		Market perp.MarketParams `json:"market"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	index, err := s.ledger.AddMarket(p.Caller, p.Market)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"index": index}, nil
}

func (s *JSONRPCServer) setRewardAsset(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller     perp.Address `json:"caller"`
		AssetIndex uint8        `json:"assetIndex"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.SetRewardAsset(p.Caller, p.AssetIndex); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "set"}, nil
}

func (s *JSONRPCServer) setDelegate(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller   perp.Address `json:"caller"`
		Delegate perp.Address `json:"delegate"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.SetDelegate(p.Caller, p.Delegate); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "set"}, nil
}

func (s *JSONRPCServer) setFeeRates(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller     perp.Address `json:"caller"`
		AssetIndex uint8        `json:"assetIndex"`
		Borrow     uint16       `json:"borrow"`
		Add        uint16       `json:"add"`
		Remove     uint16       `json:"remove"`
		Swap       uint16       `json:"swap"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.SetFeeRates(p.Caller, p.AssetIndex, p.Borrow, p.Add, p.Remove, p.Swap); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "set"}, nil
}

func (s *JSONRPCServer) createTokenAccount(params json.RawMessage) (interface{}, error) {
	var p struct {
		Address perp.Address `json:"address"`
		Mint    perp.Address `json:"mint"`
		Owner   perp.Address `json:"owner"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.CreateTokenAccount(p.Address, p.Mint, p.Owner); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "created"}, nil
}

func (s *JSONRPCServer) mintTokens(params json.RawMessage) (interface{}, error) {
	var p struct {
		To     perp.Address `json:"to"`
		Amount uint64       `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.MintTokens(p.To, p.Amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "minted"}, nil
}

func (s *JSONRPCServer) mintVlpToken(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller perp.Address `json:"caller"`
		Owner  perp.Address `json:"owner"`
		Amount uint64       `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.MintVlpToken(p.Caller, p.Owner, p.Amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "minted"}, nil
}

func (s *JSONRPCServer) feedOraclePrice(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller perp.Address `json:"caller"`
		Oracle perp.Address `json:"oracle"`
		Raw    uint64       `json:"raw"`
		Expo   int32        `json:"expo"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.FeedMockOraclePrice(p.Caller, p.Oracle, p.Raw, p.Expo); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "fed"}, nil
}

func (s *JSONRPCServer) withdrawFees(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller     perp.Address `json:"caller"`
		AssetIndex uint8        `json:"assetIndex"`
		To         perp.Address `json:"to"`
		Amount     uint64       `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.WithdrawFees(p.Caller, p.AssetIndex, p.To, p.Amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "withdrawn"}, nil
}

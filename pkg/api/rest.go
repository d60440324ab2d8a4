package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/ledger"
	"github.com/luxfi/perps/pkg/perp"
)

// RESTServer exposes read-only views of the ledger over HTTP.
type RESTServer struct {
	ledger *ledger.Ledger
	logger log.Logger
	router *mux.Router
}

// NewRESTServer creates a REST server with its routes mounted.
func NewRESTServer(l *ledger.Ledger, logger log.Logger) *RESTServer {
	s := &RESTServer{
		ledger: l,
		logger: logger,
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *RESTServer) routes() {
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/info", s.handleInfo).Methods("GET")
	v1.HandleFunc("/assets", s.handleAssets).Methods("GET")
	v1.HandleFunc("/markets", s.handleMarkets).Methods("GET")
	v1.HandleFunc("/prices", s.handlePrices).Methods("GET")
	v1.HandleFunc("/prices/{asset}/history", s.handlePriceHistory).Methods("GET")
	v1.HandleFunc("/users/{owner}", s.handleUser).Methods("GET")
}

// ServeHTTP implements http.Handler.
func (s *RESTServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *RESTServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *RESTServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	var info map[string]interface{}
	err := s.ledger.View(func(dex *perp.Dex, _ *perp.PriceFeed) error {
		info = map[string]interface{}{
			"assetCount":  dex.AssetCount,
			"marketCount": dex.MarketCount,
			"userCount":   dex.UserCount,
			"vlpStaked":   dex.VlpPool.StakedTotal,
			"rewardTotal": dex.VlpPool.RewardTotal,
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *RESTServer) handleAssets(w http.ResponseWriter, r *http.Request) {
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
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, assets)
}

func (s *RESTServer) handleMarkets(w http.ResponseWriter, r *http.Request) {
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
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, markets)
}

func (s *RESTServer) handlePrices(w http.ResponseWriter, r *http.Request) {
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
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prices)
}

func (s *RESTServer) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(mux.Vars(r)["asset"], 10, 8)
	if err != nil {
		http.Error(w, "invalid asset index", http.StatusBadRequest)
		return
	}
	var history []perp.PriceEntry
	err = s.ledger.View(func(_ *perp.Dex, feed *perp.PriceFeed) error {
		if feed == nil {
			return ledger.ErrNotInitialized
		}
		var herr error
		history, herr = feed.History(uint8(index))
		return herr
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *RESTServer) handleUser(w http.ResponseWriter, r *http.Request) {
	owner, err := perp.ParseAddress(mux.Vars(r)["owner"])
	if err != nil {
		http.Error(w, "invalid owner address", http.StatusBadRequest)
		return
	}
	var user perp.UserState
	err = s.ledger.ViewUser(owner, func(u *perp.UserState) error {
		user = *u
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, user)
}

func (s *RESTServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

func (s *RESTServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusUnprocessableEntity
	switch {
	case errors.Is(err, ledger.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	case errors.Is(err, perp.ErrInvalidUserState):
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

// StartRESTServer starts the REST gateway.
func StartRESTServer(ctx context.Context, port int, l *ledger.Ledger, logger log.Logger) error {
	server := NewRESTServer(l, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("REST server started", "port", port)
	return httpServer.ListenAndServe()
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nftperp/internal/clearing"
	"nftperp/internal/ledger"
	"nftperp/internal/market"
	"nftperp/internal/observability"
	"nftperp/internal/oracle"
	"nftperp/internal/query"
)

// Server is the HTTP surface: live engine state (markets, positions,
// margin) straight from memory, history from the query service, and
// the trading/admin write endpoints. Index prices and parameter
// updates still enter only through the ingestion feeds.
type Server struct {
	addr     string
	ch       *clearing.ClearingHouse
	registry *market.Registry
	led      *ledger.Ledger
	orc      *oracle.Oracle
	history  *query.Service
	health   *observability.HealthChecker
	blocks   *blockCounter
	log      zerolog.Logger
}

func New(addr string, ch *clearing.ClearingHouse, registry *market.Registry, led *ledger.Ledger, orc *oracle.Oracle, history *query.Service, health *observability.HealthChecker, log zerolog.Logger) *Server {
	return &Server{
		addr:     addr,
		ch:       ch,
		registry: registry,
		led:      led,
		orc:      orc,
		history:  history,
		health:   health,
		blocks:   &blockCounter{},
		log:      log,
	}
}

// blockCounter hands out monotonically increasing block numbers for the
// per-block tick-crossing guard. There is no chain here; a block is one
// HTTP mutation.
type blockCounter struct {
	n atomic.Int64
}

func (b *blockCounter) Next() int64 {
	return b.n.Add(1)
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.health.LivenessHandler)
	mux.HandleFunc("GET /readyz", s.health.ReadinessHandler)

	mux.HandleFunc("GET /v1/markets", s.handleMarkets)
	mux.HandleFunc("GET /v1/markets/{id}/fills", s.handleMarketFills)
	mux.HandleFunc("GET /v1/markets/{id}/repegs", s.handleMarketRepegs)
	mux.HandleFunc("GET /v1/markets/{id}/funding", s.handleMarketFunding)
	mux.HandleFunc("GET /v1/traders/{id}", s.handleTrader)
	mux.HandleFunc("GET /v1/traders/{id}/fills", s.handleTraderFills)

	mux.HandleFunc("POST /v1/markets", s.handleCreateMarket)
	mux.HandleFunc("POST /v1/markets/{id}/positions", s.handleOpenPosition)
	mux.HandleFunc("POST /v1/markets/{id}/positions/preview", s.handlePreviewPosition)
	mux.HandleFunc("POST /v1/markets/{id}/positions/close", s.handleClosePosition)
	mux.HandleFunc("POST /v1/markets/{id}/liquidate", s.handleLiquidate)
	mux.HandleFunc("POST /v1/markets/{id}/liquidity", s.handleLiquidity)
	mux.HandleFunc("POST /v1/traders/{id}/deposit", s.handleDeposit)
	mux.HandleFunc("POST /v1/traders/{id}/withdraw", s.handleWithdraw)
	mux.HandleFunc("POST /v1/traders/{id}/settle", s.handleSettle)

	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type marketView struct {
	ID            string `json:"id"`
	NftAddr       string `json:"nft_addr"`
	Status        string `json:"status"`
	IsIsolated    bool   `json:"is_isolated"`
	MarkPrice     string `json:"mark_price"`
	IndexPrice    string `json:"index_price,omitempty"`
	Liquidity     string `json:"liquidity"`
	NetTraderBase string `json:"net_trader_base"`
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	var out []marketView
	for _, m := range s.registry.All() {
		view := marketView{
			ID:            m.ID,
			NftAddr:       m.NftAddr,
			Status:        m.Status.String(),
			IsIsolated:    m.IsIsolated,
			Liquidity:     m.Liquidity.String(),
			NetTraderBase: m.NetTraderBase.String(),
		}
		if mark, err := s.ch.MarkPriceOf(m.ID); err == nil {
			view.MarkPrice = mark.String()
		}
		if idx := s.orc.Latest(m.ID); idx != nil {
			view.IndexPrice = idx.Price.String()
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarketFills(w http.ResponseWriter, r *http.Request) {
	fills, err := s.history.RecentFills(r.Context(), r.PathValue("id"), limitParam(r))
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fills)
}

func (s *Server) handleMarketRepegs(w http.ResponseWriter, r *http.Request) {
	repegs, err := s.history.RepegHistory(r.Context(), r.PathValue("id"), limitParam(r))
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repegs)
}

func (s *Server) handleMarketFunding(w http.ResponseWriter, r *http.Request) {
	trader, err := uuid.Parse(r.URL.Query().Get("trader"))
	if err != nil {
		http.Error(w, "trader query parameter required", http.StatusBadRequest)
		return
	}
	settlements, err := s.history.FundingHistory(r.Context(), r.PathValue("id"), trader, limitParam(r))
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlements)
}

type positionView struct {
	MarketID     string `json:"market_id"`
	BaseBalance  string `json:"base_balance"`
	QuoteBalance string `json:"quote_balance"`
	MarkPrice    string `json:"mark_price,omitempty"`
}

type traderView struct {
	Trader         string         `json:"trader"`
	Collateral     string         `json:"collateral"`
	AccountValue   string         `json:"account_value,omitempty"`
	MarginRatioPpm string         `json:"margin_ratio_ppm,omitempty"`
	Positions      []positionView `json:"positions"`
}

func (s *Server) handleTrader(w http.ResponseWriter, r *http.Request) {
	trader, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad trader id", http.StatusBadRequest)
		return
	}

	view := traderView{Trader: trader.String()}
	margin := s.ch.Margin()
	view.Collateral = s.ch.Vault().GetBalance(trader).String()

	if value, err := margin.AccountValue(trader); err == nil {
		view.AccountValue = value.String()
	}
	if ratio, _, err := margin.MarginRatio(trader); err == nil && ratio != nil {
		view.MarginRatioPpm = ratio.String()
	}

	for _, pos := range s.led.PositionsOf(trader) {
		pv := positionView{
			MarketID:     pos.MarketID,
			BaseBalance:  pos.BaseBalance.String(),
			QuoteBalance: pos.QuoteBalance.String(),
		}
		if mark, err := s.ch.MarkPriceOf(pos.MarketID); err == nil {
			pv.MarkPrice = mark.String()
		}
		view.Positions = append(view.Positions, pv)
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTraderFills(w http.ResponseWriter, r *http.Request) {
	trader, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad trader id", http.StatusBadRequest)
		return
	}
	fills, err := s.history.FillsByTrader(r.Context(), trader, limitParam(r))
	if err != nil {
		s.serverError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fills)
}

func (s *Server) serverError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("query failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func limitParam(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return 100
}

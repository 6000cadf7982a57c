package server

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"

	"nftperp/internal/clearing"
	"nftperp/internal/market"
)

// Write endpoints. Wad amounts travel as decimal strings in JSON since
// they do not fit in a float64 or an int64.

type createMarketRequest struct {
	ID               string `json:"id"`
	NftAddr          string `json:"nft_addr"`
	Creator          string `json:"creator"`
	InitPrice        string `json:"init_price"`
	InitialLiquidity string `json:"initial_liquidity"`
	Isolated         bool   `json:"isolated"`
}

func (s *Server) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	creator, err := uuid.Parse(req.Creator)
	if err != nil {
		http.Error(w, "bad creator id", http.StatusBadRequest)
		return
	}
	initPrice, ok1 := parseWad(req.InitPrice)
	liquidity, ok2 := parseWad(req.InitialLiquidity)
	if !ok1 || !ok2 {
		http.Error(w, "bad amount", http.StatusBadRequest)
		return
	}

	now := time.Now().Unix()
	create := s.ch.CreateMarket
	if req.Isolated {
		create = s.ch.CreateIsolatedPool
	}
	m, err := create(req.ID, req.NftAddr, creator, initPrice, liquidity, now)
	if err != nil {
		engineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":     m.ID,
		"status": m.Status.String(),
	})
}

type transferRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	trader, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad trader id", http.StatusBadRequest)
		return
	}
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseWad(req.Amount)
	if !ok {
		http.Error(w, "bad amount", http.StatusBadRequest)
		return
	}
	if err := s.ch.Deposit(trader, amount); err != nil {
		engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"balance": s.ch.Vault().GetBalance(trader).String(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	trader, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad trader id", http.StatusBadRequest)
		return
	}
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseWad(req.Amount)
	if !ok {
		http.Error(w, "bad amount", http.StatusBadRequest)
		return
	}
	if err := s.ch.Withdraw(trader, amount); err != nil {
		engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"balance": s.ch.Vault().GetBalance(trader).String(),
	})
}

type settleRequest struct {
	Market string `json:"market"`
}

// handleSettle collects an account's accrued owed balance for one
// market into its vault balance. Platform and creator fee shares leave
// the ledger only through this path.
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	account, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "bad account id", http.StatusBadRequest)
		return
	}
	var req settleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	settled, err := s.ch.SettleOwed(account, req.Market)
	if err != nil {
		engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"settled": settled.String(),
		"balance": s.ch.Vault().GetBalance(account).String(),
	})
}

type openPositionRequest struct {
	Trader              string `json:"trader"`
	IsBaseToQuote       bool   `json:"is_base_to_quote"`
	IsExactInput        bool   `json:"is_exact_input"`
	Amount              string `json:"amount"`
	OppositeAmountBound string `json:"opposite_amount_bound,omitempty"`
	SqrtPriceLimitX96   string `json:"sqrt_price_limit_x96,omitempty"`
	Deadline            int64  `json:"deadline,omitempty"`
}

type tradeResponse struct {
	DeltaBase   string `json:"delta_base"`
	DeltaQuote  string `json:"delta_quote"`
	Fee         string `json:"fee"`
	RealizedPnl string `json:"realized_pnl"`
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	trader, err := uuid.Parse(req.Trader)
	if err != nil {
		http.Error(w, "bad trader id", http.StatusBadRequest)
		return
	}
	amount, ok := parseWad(req.Amount)
	if !ok {
		http.Error(w, "bad amount", http.StatusBadRequest)
		return
	}

	params := clearingOpenParams(r.PathValue("id"), trader, req, amount)
	res, err := s.ch.OpenPosition(params, time.Now().Unix(), s.blocks.Next())
	if err != nil {
		engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{
		DeltaBase:   res.DeltaBase.String(),
		DeltaQuote:  res.DeltaQuote.String(),
		Fee:         res.Fee.String(),
		RealizedPnl: res.RealizedPnl.String(),
	})
}

// handlePreviewPosition prices a trade without executing it. The trader
// field is ignored; quoting needs no account.
func (s *Server) handlePreviewPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseWad(req.Amount)
	if !ok {
		http.Error(w, "bad amount", http.StatusBadRequest)
		return
	}

	params := clearingOpenParams(r.PathValue("id"), uuid.Nil, req, amount)
	res, err := s.ch.PreviewOpenPosition(params)
	if err != nil {
		engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"delta_base":         res.DeltaBase.String(),
		"delta_quote":        res.DeltaQuote.String(),
		"fee":                res.Fee.String(),
		"end_sqrt_price_x96": res.EndSqrtPriceX96.String(),
	})
}

type closePositionRequest struct {
	Trader              string `json:"trader"`
	OppositeAmountBound string `json:"opposite_amount_bound,omitempty"`
	SqrtPriceLimitX96   string `json:"sqrt_price_limit_x96,omitempty"`
	Deadline            int64  `json:"deadline,omitempty"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closePositionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	trader, err := uuid.Parse(req.Trader)
	if err != nil {
		http.Error(w, "bad trader id", http.StatusBadRequest)
		return
	}

	res, err := s.ch.ClosePosition(clearingCloseParams(r.PathValue("id"), trader, req), time.Now().Unix(), s.blocks.Next())
	if err != nil {
		engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResponse{
		DeltaBase:   res.DeltaBase.String(),
		DeltaQuote:  res.DeltaQuote.String(),
		Fee:         res.Fee.String(),
		RealizedPnl: res.RealizedPnl.String(),
	})
}

type liquidateRequest struct {
	Liquidator string `json:"liquidator"`
	Trader     string `json:"trader"`
}

func (s *Server) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	liquidator, err := uuid.Parse(req.Liquidator)
	if err != nil {
		http.Error(w, "bad liquidator id", http.StatusBadRequest)
		return
	}
	trader, err := uuid.Parse(req.Trader)
	if err != nil {
		http.Error(w, "bad trader id", http.StatusBadRequest)
		return
	}

	res, err := s.ch.Liquidate(liquidator, trader, r.PathValue("id"), time.Now().Unix(), s.blocks.Next())
	if err != nil {
		engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"closed_base":       res.ClosedBase.String(),
		"closed_quote":      res.ClosedQuote.String(),
		"penalty":           res.Penalty.String(),
		"liquidator_reward": res.LiquidatorReward.String(),
		"deficit_covered":   res.DeficitCovered.String(),
	})
}

type liquidityRequest struct {
	Maker     string `json:"maker"`
	Liquidity string `json:"liquidity"`
	Remove    bool   `json:"remove,omitempty"`
	Deadline  int64  `json:"deadline,omitempty"`
}

func (s *Server) handleLiquidity(w http.ResponseWriter, r *http.Request) {
	var req liquidityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	maker, err := uuid.Parse(req.Maker)
	if err != nil {
		http.Error(w, "bad maker id", http.StatusBadRequest)
		return
	}
	liquidity, ok := parseWad(req.Liquidity)
	if !ok {
		http.Error(w, "bad liquidity", http.StatusBadRequest)
		return
	}

	now := time.Now().Unix()
	modify := s.ch.AddLiquidity
	if req.Remove {
		modify = s.ch.RemoveLiquidity
	}
	res, err := modify(maker, r.PathValue("id"), liquidity, req.Deadline, now)
	if err != nil {
		engineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"base":  res.Base.String(),
		"quote": res.Quote.String(),
		"fee":   res.Fee.String(),
	})
}

func clearingOpenParams(marketID string, trader uuid.UUID, req openPositionRequest, amount *big.Int) clearing.OpenPositionParams {
	p := clearing.OpenPositionParams{
		MarketID:      marketID,
		Trader:        trader,
		IsBaseToQuote: req.IsBaseToQuote,
		IsExactInput:  req.IsExactInput,
		Amount:        amount,
		Deadline:      req.Deadline,
	}
	p.OppositeAmountBound, _ = parseOptionalWad(req.OppositeAmountBound)
	p.SqrtPriceLimitX96, _ = parseOptionalWad(req.SqrtPriceLimitX96)
	return p
}

func clearingCloseParams(marketID string, trader uuid.UUID, req closePositionRequest) clearing.ClosePositionParams {
	p := clearing.ClosePositionParams{
		MarketID: marketID,
		Trader:   trader,
		Deadline: req.Deadline,
	}
	p.OppositeAmountBound, _ = parseOptionalWad(req.OppositeAmountBound)
	p.SqrtPriceLimitX96, _ = parseOptionalWad(req.SqrtPriceLimitX96)
	return p
}

// parseWad parses a required decimal-string amount.
func parseWad(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}

// parseOptionalWad treats the empty string as absent.
func parseOptionalWad(s string) (*big.Int, bool) {
	if s == "" {
		return nil, true
	}
	return new(big.Int).SetString(s, 10)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return false
	}
	return true
}

// engineError maps engine failures onto HTTP statuses: unknown markets
// are 404, everything else the engine rejects is a 422 with the
// engine's reason.
func engineError(w http.ResponseWriter, err error) {
	if errors.Is(err, market.ErrMarketNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusUnprocessableEntity)
}

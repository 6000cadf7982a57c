package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"nftperp/internal/insurance"
	"nftperp/internal/ledger"
	"nftperp/internal/market"
	"nftperp/internal/observability"
	"nftperp/internal/oracle"
	"nftperp/internal/vault"
)

// SnapshotManager periodically serializes engine state to Postgres so a
// restarted node can warm-start near the tip instead of replaying the
// whole fill history. Wads are stored as decimal strings.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// SnapshotData is the engine state at a point in time.
type SnapshotData struct {
	Markets   []MarketSnapshot        `json:"markets"`
	Positions []PositionSnapshot      `json:"positions"`
	Owed      []OwedSnapshot          `json:"owed,omitempty"`
	Makers    []ContributionSnapshot  `json:"makers,omitempty"`
	Balances  map[string]string       `json:"balances"` // trader UUID -> wad
	Funds     map[string]FundSnapshot `json:"funds"`    // market -> insurance state
	TakenAt   time.Time               `json:"taken_at"`
}

// OwedSnapshot is one account's realized-but-unsettled PnL in a market.
type OwedSnapshot struct {
	Trader   string `json:"trader"`
	MarketID string `json:"market_id"`
	Amount   string `json:"amount"`
}

// ContributionSnapshot is one maker's liquidity share and fee checkpoint.
type ContributionSnapshot struct {
	Maker            string `json:"maker"`
	MarketID         string `json:"market_id"`
	Liquidity        string `json:"liquidity"`
	LastFeeGrowthX96 string `json:"last_fee_growth_x96"`
}

// MarketSnapshot is the serializable pool and funding state.
type MarketSnapshot struct {
	ID                   string `json:"id"`
	NftAddr              string `json:"nft_addr"`
	Creator              string `json:"creator"`
	Status               string `json:"status"`
	IsIsolated           bool   `json:"is_isolated"`
	SqrtPriceX96         string `json:"sqrt_price_x96"`
	Tick                 int    `json:"tick"`
	Liquidity            string `json:"liquidity"`
	FeeGrowthGlobalX96   string `json:"fee_growth_global_x96"`
	TwPremiumGrowthLong  string `json:"tw_premium_growth_long"`
	TwPremiumGrowthShort string `json:"tw_premium_growth_short"`
	LastFundingUpdatedAt int64  `json:"last_funding_updated_at"`
	LastRepegTimestamp   int64  `json:"last_repeg_timestamp"`
	NetTraderBase        string `json:"net_trader_base"`
	IndexPrice           string `json:"index_price,omitempty"`
	IndexSequence        int64  `json:"index_sequence,omitempty"`
}

// FundSnapshot is one market's serializable insurance fund state.
type FundSnapshot struct {
	Shares      map[string]string `json:"shares"` // contributor UUID -> share wad
	TotalShares string            `json:"total_shares"`
	Principal   string            `json:"principal"`
	SharedFee   string            `json:"shared_fee"`
	PendingFee  string            `json:"pending_fee"`
}

// PositionSnapshot is one serializable open position.
type PositionSnapshot struct {
	Trader              string `json:"trader"`
	MarketID            string `json:"market_id"`
	BaseBalance         string `json:"base_balance"`
	QuoteBalance        string `json:"quote_balance"`
	LastTwPremiumGrowth string `json:"last_tw_premium_growth"`
	Version             int64  `json:"version"`
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// Capture reads current engine state into a SnapshotData. Callers
// should hold no market locks; each component is internally consistent
// and cross-component drift of a few fills is acceptable for a
// warm-start snapshot.
func Capture(registry *market.Registry, led *ledger.Ledger, v *vault.Vault, fund *insurance.Fund, orc *oracle.Oracle) *SnapshotData {
	snap := &SnapshotData{
		Balances: make(map[string]string),
		Funds:    make(map[string]FundSnapshot),
		TakenAt:  time.Now().UTC(),
	}

	for _, m := range registry.All() {
		ms := MarketSnapshot{
			ID:                   m.ID,
			NftAddr:              m.NftAddr,
			Creator:              m.Creator.String(),
			Status:               m.Status.String(),
			IsIsolated:           m.IsIsolated,
			SqrtPriceX96:         m.SqrtPriceX96.String(),
			Tick:                 m.Tick,
			Liquidity:            m.Liquidity.String(),
			FeeGrowthGlobalX96:   m.FeeGrowthGlobalX96.String(),
			TwPremiumGrowthLong:  m.TwPremiumGrowthLong.String(),
			TwPremiumGrowthShort: m.TwPremiumGrowthShort.String(),
			LastFundingUpdatedAt: m.LastFundingUpdatedAt,
			LastRepegTimestamp:   m.LastRepegTimestamp,
			NetTraderBase:        m.NetTraderBase.String(),
		}
		if idx := orc.Latest(m.ID); idx != nil {
			ms.IndexPrice = idx.Price.String()
			ms.IndexSequence = idx.Sequence
		}
		snap.Markets = append(snap.Markets, ms)
	}

	for _, pos := range led.AllPositions() {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			Trader:              pos.Trader.String(),
			MarketID:            pos.MarketID,
			BaseBalance:         pos.BaseBalance.String(),
			QuoteBalance:        pos.QuoteBalance.String(),
			LastTwPremiumGrowth: pos.LastTwPremiumGrowth.String(),
			Version:             pos.Version,
		})
	}

	for _, owed := range led.AllOwedRealized() {
		snap.Owed = append(snap.Owed, OwedSnapshot{
			Trader:   owed.Trader.String(),
			MarketID: owed.MarketID,
			Amount:   owed.Amount.String(),
		})
	}

	for _, c := range led.AllContributions() {
		snap.Makers = append(snap.Makers, ContributionSnapshot{
			Maker:            c.Maker.String(),
			MarketID:         c.MarketID,
			Liquidity:        c.Liquidity.String(),
			LastFeeGrowthX96: c.LastFeeGrowthX96.String(),
		})
	}

	for trader, bal := range v.Balances() {
		snap.Balances[trader.String()] = bal.String()
	}

	for marketID, st := range fund.Export() {
		fs := FundSnapshot{
			Shares:      make(map[string]string, len(st.Shares)),
			TotalShares: st.TotalShares.String(),
			Principal:   st.Principal.String(),
			SharedFee:   st.SharedFee.String(),
			PendingFee:  st.PendingFee.String(),
		}
		for account, share := range st.Shares {
			fs.Shares[account.String()] = share.String()
		}
		snap.Funds[marketID] = fs
	}

	return snap
}

// Restore rebuilds engine state from a snapshot. Runs on warm start
// before any trading, so component-by-component installation is safe.
func Restore(snap *SnapshotData, registry *market.Registry, led *ledger.Ledger, v *vault.Vault, fund *insurance.Fund, orc *oracle.Oracle) error {
	for _, ms := range snap.Markets {
		creator, err := uuid.Parse(ms.Creator)
		if err != nil {
			return fmt.Errorf("market %s: parse creator: %w", ms.ID, err)
		}

		sqrtPrice, err := wadFromString(ms.SqrtPriceX96)
		if err != nil {
			return fmt.Errorf("market %s: sqrt price: %w", ms.ID, err)
		}

		var m *market.Market
		if ms.IsIsolated {
			m, err = registry.CreateIsolatedPool(ms.ID, ms.NftAddr, creator, big.NewInt(1e18), ms.LastFundingUpdatedAt)
		} else {
			m, err = registry.CreateMarket(ms.ID, ms.NftAddr, creator, big.NewInt(1e18), ms.LastFundingUpdatedAt)
		}
		if err != nil {
			return fmt.Errorf("market %s: recreate: %w", ms.ID, err)
		}

		m.SqrtPriceX96.Set(sqrtPrice)
		m.Tick = ms.Tick
		if err := setWad(m.Liquidity, ms.Liquidity); err != nil {
			return fmt.Errorf("market %s: liquidity: %w", ms.ID, err)
		}
		if err := setWad(m.FeeGrowthGlobalX96, ms.FeeGrowthGlobalX96); err != nil {
			return fmt.Errorf("market %s: fee growth: %w", ms.ID, err)
		}
		if err := setWad(m.TwPremiumGrowthLong, ms.TwPremiumGrowthLong); err != nil {
			return fmt.Errorf("market %s: premium growth long: %w", ms.ID, err)
		}
		if err := setWad(m.TwPremiumGrowthShort, ms.TwPremiumGrowthShort); err != nil {
			return fmt.Errorf("market %s: premium growth short: %w", ms.ID, err)
		}
		if err := setWad(m.NetTraderBase, ms.NetTraderBase); err != nil {
			return fmt.Errorf("market %s: net trader base: %w", ms.ID, err)
		}
		m.LastFundingUpdatedAt = ms.LastFundingUpdatedAt
		m.LastRepegTimestamp = ms.LastRepegTimestamp
		if ms.Status == market.StatusClosed.String() {
			m.Status = market.StatusClosed
		}

		if ms.IndexPrice != "" {
			price, err := wadFromString(ms.IndexPrice)
			if err != nil {
				return fmt.Errorf("market %s: index price: %w", ms.ID, err)
			}
			orc.SetIndexPrice(ms.ID, price, ms.IndexSequence, ms.LastFundingUpdatedAt)
		}
	}

	for _, ps := range snap.Positions {
		trader, err := uuid.Parse(ps.Trader)
		if err != nil {
			return fmt.Errorf("position %s/%s: parse trader: %w", ps.Trader, ps.MarketID, err)
		}
		pos := &ledger.Position{
			Trader:              trader,
			MarketID:            ps.MarketID,
			BaseBalance:         new(big.Int),
			QuoteBalance:        new(big.Int),
			LastTwPremiumGrowth: new(big.Int),
			Version:             ps.Version,
		}
		if err := setWad(pos.BaseBalance, ps.BaseBalance); err != nil {
			return fmt.Errorf("position %s/%s: base: %w", ps.Trader, ps.MarketID, err)
		}
		if err := setWad(pos.QuoteBalance, ps.QuoteBalance); err != nil {
			return fmt.Errorf("position %s/%s: quote: %w", ps.Trader, ps.MarketID, err)
		}
		if err := setWad(pos.LastTwPremiumGrowth, ps.LastTwPremiumGrowth); err != nil {
			return fmt.Errorf("position %s/%s: checkpoint: %w", ps.Trader, ps.MarketID, err)
		}
		led.RestorePosition(pos)
	}

	for _, os := range snap.Owed {
		trader, err := uuid.Parse(os.Trader)
		if err != nil {
			return fmt.Errorf("owed %s/%s: parse trader: %w", os.Trader, os.MarketID, err)
		}
		amount, err := wadFromString(os.Amount)
		if err != nil {
			return fmt.Errorf("owed %s/%s: %w", os.Trader, os.MarketID, err)
		}
		led.RestoreOwed(trader, os.MarketID, amount)
	}

	for _, cs := range snap.Makers {
		maker, err := uuid.Parse(cs.Maker)
		if err != nil {
			return fmt.Errorf("contribution %s/%s: parse maker: %w", cs.Maker, cs.MarketID, err)
		}
		c := &ledger.LiquidityContribution{
			Maker:            maker,
			MarketID:         cs.MarketID,
			Liquidity:        new(big.Int),
			LastFeeGrowthX96: new(big.Int),
		}
		if err := setWad(c.Liquidity, cs.Liquidity); err != nil {
			return fmt.Errorf("contribution %s/%s: liquidity: %w", cs.Maker, cs.MarketID, err)
		}
		if err := setWad(c.LastFeeGrowthX96, cs.LastFeeGrowthX96); err != nil {
			return fmt.Errorf("contribution %s/%s: fee checkpoint: %w", cs.Maker, cs.MarketID, err)
		}
		led.RestoreContribution(c)
	}

	for traderStr, balStr := range snap.Balances {
		trader, err := uuid.Parse(traderStr)
		if err != nil {
			return fmt.Errorf("balance %s: parse trader: %w", traderStr, err)
		}
		bal, err := wadFromString(balStr)
		if err != nil {
			return fmt.Errorf("balance %s: %w", traderStr, err)
		}
		v.SettlePnl(trader, bal)
	}

	states := make(map[string]*insurance.State, len(snap.Funds))
	for marketID, fs := range snap.Funds {
		st := &insurance.State{
			Shares:      make(map[uuid.UUID]*big.Int, len(fs.Shares)),
			TotalShares: new(big.Int),
			Principal:   new(big.Int),
			SharedFee:   new(big.Int),
			PendingFee:  new(big.Int),
		}
		if err := setWad(st.TotalShares, fs.TotalShares); err != nil {
			return fmt.Errorf("fund %s: total shares: %w", marketID, err)
		}
		if err := setWad(st.Principal, fs.Principal); err != nil {
			return fmt.Errorf("fund %s: principal: %w", marketID, err)
		}
		if err := setWad(st.SharedFee, fs.SharedFee); err != nil {
			return fmt.Errorf("fund %s: shared fee: %w", marketID, err)
		}
		if err := setWad(st.PendingFee, fs.PendingFee); err != nil {
			return fmt.Errorf("fund %s: pending fee: %w", marketID, err)
		}
		for accountStr, shareStr := range fs.Shares {
			account, err := uuid.Parse(accountStr)
			if err != nil {
				return fmt.Errorf("fund %s: parse contributor: %w", marketID, err)
			}
			share, err := wadFromString(shareStr)
			if err != nil {
				return fmt.Errorf("fund %s: share: %w", marketID, err)
			}
			st.Shares[account] = share
		}
		states[marketID] = st
	}
	fund.Restore(states)

	return nil
}

func wadFromString(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("bad numeric %q", s)
	}
	return v, nil
}

func setWad(dst *big.Int, s string) error {
	v, err := wadFromString(s)
	if err != nil {
		return err
	}
	dst.Set(v)
	return nil
}

// Save persists a snapshot.
func (sm *SnapshotManager) Save(ctx context.Context, snap *SnapshotData) error {
	start := time.Now()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO nftperp.snapshots (snapshot_id, data, size_bytes, taken_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), data, len(data), snap.TakenAt)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// LoadLatest returns the most recent snapshot, or nil on a cold start.
func (sm *SnapshotManager) LoadLatest(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM nftperp.snapshots
		ORDER BY taken_at DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Prune deletes all but the newest keep snapshots.
func (sm *SnapshotManager) Prune(ctx context.Context, keep int) error {
	_, err := sm.db.ExecContext(ctx, `
		DELETE FROM nftperp.snapshots
		WHERE snapshot_id NOT IN (
			SELECT snapshot_id FROM nftperp.snapshots
			ORDER BY taken_at DESC
			LIMIT $1
		)
	`, keep)
	return err
}

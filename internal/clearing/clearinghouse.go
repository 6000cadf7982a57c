package clearing

import (
	"errors"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nftperp/internal/amm"
	"nftperp/internal/insurance"
	"nftperp/internal/ledger"
	"nftperp/internal/market"
	"nftperp/internal/observability"
	"nftperp/internal/oracle"
	"nftperp/internal/perpmath"
	"nftperp/internal/vault"
)

var (
	// ErrDeadlineExceeded rejects a call whose deadline passed before
	// execution. Checked at entry; no state is touched.
	ErrDeadlineExceeded = errors.New("clearing: deadline exceeded")

	// ErrSlippageExceeded rejects a trade whose priced outcome violates
	// the caller's opposite-amount bound.
	ErrSlippageExceeded = errors.New("clearing: slippage bound violated")

	// ErrNoPosition rejects a close or liquidation of a flat account.
	ErrNoPosition = errors.New("clearing: no open position")
)

// ClearingHouse orchestrates the trader-facing operations. It holds no
// pricing state of its own: the AMM engine prices, the ledger books, the
// vault and insurance fund settle. Operations serialize per market; the
// insurance fund and vault carry their own locks.
type ClearingHouse struct {
	registry *market.Registry
	engine   *amm.Engine
	ledger   *ledger.Ledger
	margin   *ledger.MarginCalculator
	vault    *vault.Vault
	fund     *insurance.Fund
	oracle   *oracle.Oracle

	// platformAccount receives the platform share of taker fees.
	platformAccount uuid.UUID

	muMu      sync.Mutex
	marketMus map[string]*sync.Mutex

	metrics  *observability.Metrics
	recorder Recorder
	log      zerolog.Logger
}

func New(
	registry *market.Registry,
	engine *amm.Engine,
	led *ledger.Ledger,
	v *vault.Vault,
	fund *insurance.Fund,
	orc *oracle.Oracle,
	platformAccount uuid.UUID,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *ClearingHouse {
	ch := &ClearingHouse{
		registry:        registry,
		engine:          engine,
		ledger:          led,
		vault:           v,
		fund:            fund,
		oracle:          orc,
		platformAccount: platformAccount,
		marketMus:       make(map[string]*sync.Mutex),
		metrics:         metrics,
		log:             log,
	}
	ch.margin = ledger.NewMarginCalculator(led, v, ch)
	return ch
}

// MarkPriceOf satisfies the ledger's PriceProvider with live AMM spot
// prices.
func (ch *ClearingHouse) MarkPriceOf(marketID string) (*big.Int, error) {
	m, err := ch.registry.Get(marketID)
	if err != nil {
		return nil, err
	}
	return ch.engine.MarkPrice(m), nil
}

// Margin exposes the cross-margin calculator for read-only queries.
func (ch *ClearingHouse) Margin() *ledger.MarginCalculator {
	return ch.margin
}

// Vault exposes the collateral vault for read-only queries.
func (ch *ClearingHouse) Vault() *vault.Vault {
	return ch.vault
}

// lockMarket serializes all mutating operations per market.
func (ch *ClearingHouse) lockMarket(marketID string) func() {
	ch.muMu.Lock()
	mu := ch.marketMus[marketID]
	if mu == nil {
		mu = &sync.Mutex{}
		ch.marketMus[marketID] = mu
	}
	ch.muMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// CreateMarket creates a market against the global parameter set and
// bootstraps it with the creator's initial liquidity, which must sit
// within the configured pool bounds.
func (ch *ClearingHouse) CreateMarket(id, nftAddr string, creator uuid.UUID, initPrice, initialLiquidity *big.Int, now int64) (*market.Market, error) {
	return ch.createMarket(id, nftAddr, creator, initPrice, initialLiquidity, false, now)
}

// CreateIsolatedPool creates a market whose parameters can be overridden
// independently of the global set and whose creator earns a fee share.
func (ch *ClearingHouse) CreateIsolatedPool(id, nftAddr string, creator uuid.UUID, initPrice, initialLiquidity *big.Int, now int64) (*market.Market, error) {
	return ch.createMarket(id, nftAddr, creator, initPrice, initialLiquidity, true, now)
}

func (ch *ClearingHouse) createMarket(id, nftAddr string, creator uuid.UUID, initPrice, initialLiquidity *big.Int, isolated bool, now int64) (*market.Market, error) {
	params := ch.registry.ParamsFor(id)
	if initialLiquidity.Cmp(params.MinPoolLiquidity) < 0 || initialLiquidity.Cmp(params.MaxPoolLiquidity) > 0 {
		return nil, amm.ErrPoolLiquidityBounds
	}

	var (
		m   *market.Market
		err error
	)
	if isolated {
		m, err = ch.registry.CreateIsolatedPool(id, nftAddr, creator, initPrice, now)
	} else {
		m, err = ch.registry.CreateMarket(id, nftAddr, creator, initPrice, now)
	}
	if err != nil {
		return nil, err
	}

	if _, _, err := ch.engine.AddLiquidity(m, initialLiquidity, params.MaxPoolLiquidity, now); err != nil {
		return nil, err
	}
	ch.ledger.AddContribution(creator, id, initialLiquidity, m.FeeGrowthGlobalX96)

	ch.log.Info().
		Str("market", id).
		Str("nft", nftAddr).
		Bool("isolated", isolated).
		Str("init_price", initPrice.String()).
		Str("liquidity", initialLiquidity.String()).
		Msg("market created")
	return m, nil
}

// Deposit credits collateral.
func (ch *ClearingHouse) Deposit(trader uuid.UUID, amount *big.Int) error {
	return ch.vault.Deposit(trader, amount)
}

// Withdraw pays out collateral after checking the account would keep its
// initial margin on every open position.
func (ch *ClearingHouse) Withdraw(trader uuid.UUID, amount *big.Int) error {
	free, err := ch.margin.FreeCollateral(trader, ch.registry.Global().ImRatio)
	if err != nil {
		return err
	}
	if free.Cmp(amount) < 0 {
		return ledger.ErrInsufficientMargin
	}
	return ch.vault.Withdraw(trader, amount)
}

// UpdateFunding advances a market's funding accumulators against the
// latest index price. Individual positions settle lazily on their next
// touch. Markets without an index observation are skipped.
func (ch *ClearingHouse) UpdateFunding(marketID string, now int64) error {
	m, err := ch.registry.Get(marketID)
	if err != nil {
		return err
	}
	unlock := ch.lockMarket(marketID)
	defer unlock()

	indexPrice, err := ch.oracle.GetIndexPrice(marketID)
	if err != nil {
		if errors.Is(err, oracle.ErrNoIndexPrice) {
			return nil
		}
		return err
	}

	params := ch.registry.ParamsFor(marketID)
	ch.engine.UpdateFundingGrowth(m, indexPrice, params.TwapInterval, params.OptimalFundingRatio, now)
	return nil
}

// settleFundingLocked folds a trader's pending funding into their owed
// balance. Must run before any fill so the ledger checkpoint matches.
func (ch *ClearingHouse) settleFundingLocked(trader uuid.UUID, m *market.Market) {
	payment := ch.ledger.SettleFunding(trader, m.ID, m.TwPremiumGrowthLong, m.TwPremiumGrowthShort)
	if payment.Sign() == 0 {
		return
	}
	if ch.metrics != nil {
		ch.metrics.FundingSettled.WithLabelValues(m.ID).Inc()
	}
	ch.recordFunding(FundingEvent{
		Market:      m.ID,
		Trader:      trader,
		Payment:     new(big.Int).Set(payment),
		GrowthLong:  new(big.Int).Set(m.TwPremiumGrowthLong),
		GrowthShort: new(big.Int).Set(m.TwPremiumGrowthShort),
	})
}

// SettleOwed sweeps an account's realized-but-unsettled PnL for one
// market into its vault balance and returns the amount moved. Traders
// get this implicitly whenever a trade touches them; fee recipients
// such as the platform account and pool creators call it to collect
// their accrued shares.
func (ch *ClearingHouse) SettleOwed(account uuid.UUID, marketID string) (*big.Int, error) {
	if _, err := ch.registry.Get(marketID); err != nil {
		return nil, err
	}
	unlock := ch.lockMarket(marketID)
	defer unlock()
	return ch.settleOwed(account, marketID), nil
}

// settleOwed moves a trader's realized-but-unsettled PnL into the vault.
func (ch *ClearingHouse) settleOwed(trader uuid.UUID, marketID string) *big.Int {
	owed := ch.ledger.TakeOwedRealizedPnl(trader, marketID)
	if owed.Sign() != 0 {
		ch.vault.SettlePnl(trader, owed)
	}
	return owed
}

// feeSplit is one trade's fee, broken down by recipient.
type feeSplit struct {
	insurance *big.Int
	platform  *big.Int
	maker     *big.Int
	creator   *big.Int
	total     *big.Int
}

// computeFee applies the market's fee schedule to a trade's quote
// notional. The creator share applies only to isolated pools.
func computeFee(notional *big.Int, params market.Params, isolated bool) feeSplit {
	split := feeSplit{
		insurance: perpmath.MulRatio(notional, params.InsuranceFundFeeRatio),
		platform:  perpmath.MulRatio(notional, params.PlatformFundFeeRatio),
		maker:     perpmath.MulRatio(notional, params.MakerFeeRatio),
		creator:   new(big.Int),
	}
	if isolated {
		split.creator = perpmath.MulRatio(notional, params.CreatorFeeRatio)
	}
	split.total = new(big.Int).Add(split.insurance, split.platform)
	split.total.Add(split.total, split.maker)
	split.total.Add(split.total, split.creator)
	return split
}

// distributeFee debits the trader and credits each recipient. The maker
// share flows through the pool's fee growth so every maker's claim
// accrues pro rata.
func (ch *ClearingHouse) distributeFee(trader uuid.UUID, m *market.Market, split feeSplit) error {
	if split.total.Sign() == 0 {
		return nil
	}
	ch.ledger.ModifyOwedRealizedPnl(trader, m.ID, new(big.Int).Neg(split.total))

	ch.fund.CollectFee(m.ID, split.insurance)
	ch.ledger.ModifyOwedRealizedPnl(ch.platformAccount, m.ID, split.platform)
	if split.creator.Sign() > 0 {
		ch.ledger.ModifyOwedRealizedPnl(m.Creator, m.ID, split.creator)
	}
	if split.maker.Sign() > 0 {
		if err := ch.engine.AccrueFee(m, split.maker); err != nil {
			return err
		}
	}
	return nil
}

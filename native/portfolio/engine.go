package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"notional/observability/metrics"
	"notional/storage"
)

// Engine orchestrates the account actions of the accounting core. Every
// mutating action stages its writes in a transaction, settles the account if
// it is stale, applies its deltas, and commits once; any failure discards the
// whole write set. Actions are serialized by the caller: the engine assumes
// the host executes one action at a time against the store.
type Engine struct {
	db         storage.Database
	currencies map[uint16]*Currency
	cashGroups map[uint16]CashGroupConfig
	log        *slog.Logger
	tracer     trace.Tracer
}

// NewEngine constructs an engine over the given datastore.
func NewEngine(db storage.Database, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		db:         db,
		currencies: make(map[uint16]*Currency),
		cashGroups: make(map[uint16]CashGroupConfig),
		log:        log,
		tracer:     otel.Tracer("notional/portfolio"),
	}
}

// ListCurrency registers a currency with its oracle and token adapter. This
// is the privileged listing path; listings are immutable afterwards.
func (e *Engine) ListCurrency(cfg CurrencyConfig, oracle RateOracle, adapter TokenAdapter) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("list currency: %w", err)
	}
	if oracle == nil || adapter == nil {
		return fmt.Errorf("list currency %d: oracle and adapter required", cfg.ID)
	}
	if _, exists := e.currencies[cfg.ID]; exists {
		return ErrCurrencyListed
	}
	e.currencies[cfg.ID] = &Currency{Config: cfg, Oracle: oracle, Adapter: adapter}
	return nil
}

// SetCashGroup configures the market ladder for a listed currency.
func (e *Engine) SetCashGroup(cfg CashGroupConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("set cash group: %w", err)
	}
	if _, err := e.currency(cfg.CurrencyID); err != nil {
		return err
	}
	e.cashGroups[cfg.CurrencyID] = cfg
	return nil
}

func (e *Engine) currency(id uint16) (*Currency, error) {
	currency, ok := e.currencies[id]
	if !ok {
		return nil, ErrUnknownCurrency
	}
	return currency, nil
}

// runAction wraps fn in a staged transaction: commit on success, discard on
// any failure so no partial mutation survives.
func (e *Engine) runAction(ctx context.Context, name string, fn func(st State) error) error {
	txn := NewTxn(e.db)
	st := NewStore(txn)
	actionID := uuid.NewString()
	_, span := e.tracer.Start(ctx, "portfolio."+name)
	defer span.End()

	if err := fn(st); err != nil {
		txn.Discard()
		span.RecordError(err)
		metrics.Portfolio().ActionReverted(name)
		e.log.Error("action reverted", "action", name, "id", actionID, "error", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	writes := txn.Pending()
	if err := txn.Commit(); err != nil {
		txn.Discard()
		span.RecordError(err)
		metrics.Portfolio().ActionReverted(name)
		e.log.Error("action commit failed", "action", name, "id", actionID, "error", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	metrics.Portfolio().ActionCommitted(name)
	e.log.Debug("action committed", "action", name, "id", actionID, "writes", writes)
	return nil
}

// viewState opens a staged transaction that is never committed, so view
// paths can run the settlement computation without persisting anything.
func (e *Engine) viewState() State {
	return NewStore(NewTxn(e.db))
}

// Deposit credits asset cash to the account's currency balance.
func (e *Engine) Deposit(ctx context.Context, addr common.Address, currencyID uint16, assetAmount *big.Int, blockTime uint64) error {
	if assetAmount == nil || assetAmount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if _, err := e.currency(currencyID); err != nil {
		return err
	}
	return e.runAction(ctx, "deposit", func(st State) error {
		return e.applyCashDelta(st, addr, currencyID, assetAmount, blockTime)
	})
}

// Withdraw debits asset cash from the account's currency balance. The debit
// may not overdraw the settled balance.
func (e *Engine) Withdraw(ctx context.Context, addr common.Address, currencyID uint16, assetAmount *big.Int, blockTime uint64) error {
	if assetAmount == nil || assetAmount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if _, err := e.currency(currencyID); err != nil {
		return err
	}
	delta := new(big.Int).Neg(assetAmount)
	return e.runAction(ctx, "withdraw", func(st State) error {
		return e.applyCashDelta(st, addr, currencyID, delta, blockTime)
	})
}

func (e *Engine) applyCashDelta(st State, addr common.Address, currencyID uint16, delta *big.Int, blockTime uint64) error {
	acctCtx, err := st.AccountContext(addr)
	if err != nil {
		return err
	}
	if err := e.settleAccountIfNeeded(st, addr, acctCtx, blockTime, true); err != nil {
		return err
	}
	balance, err := LoadBalanceState(st, addr, currencyID)
	if err != nil {
		return err
	}
	if err := balance.AccumulateCash(delta); err != nil {
		return err
	}
	if err := balance.Finalize(st, acctCtx); err != nil {
		return err
	}
	return st.PutAccountContext(addr, acctCtx)
}

// DepositUnderlying mints asset cash through the currency's token adapter
// and credits the minted amount. The minted asset amount is returned. The
// mint runs inside the action so an adapter failure reverts the whole
// deposit.
func (e *Engine) DepositUnderlying(ctx context.Context, addr common.Address, currencyID uint16, underlyingAmount *big.Int, blockTime uint64) (*big.Int, error) {
	if underlyingAmount == nil || underlyingAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	currency, err := e.currency(currencyID)
	if err != nil {
		return nil, err
	}
	var minted *big.Int
	err = e.runAction(ctx, "depositUnderlying", func(st State) error {
		var err error
		minted, err = currency.Adapter.Mint(underlyingAmount)
		if err != nil {
			return err
		}
		if minted == nil || minted.Sign() <= 0 {
			return ErrInvalidAmount
		}
		return e.applyCashDelta(st, addr, currencyID, minted, blockTime)
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// WithdrawUnderlying debits asset cash and redeems it through the token
// adapter, returning the underlying amount released. The redeem runs inside
// the action: a redeem failure discards the staged debit so no cash leaves
// the account without underlying leaving the adapter.
func (e *Engine) WithdrawUnderlying(ctx context.Context, addr common.Address, currencyID uint16, assetAmount *big.Int, blockTime uint64) (*big.Int, error) {
	if assetAmount == nil || assetAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	currency, err := e.currency(currencyID)
	if err != nil {
		return nil, err
	}
	delta := new(big.Int).Neg(assetAmount)
	var redeemed *big.Int
	err = e.runAction(ctx, "withdrawUnderlying", func(st State) error {
		if err := e.applyCashDelta(st, addr, currencyID, delta, blockTime); err != nil {
			return err
		}
		var err error
		redeemed, err = currency.Adapter.Redeem(assetAmount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return redeemed, nil
}

// AddPortfolioAssets merges assets into the account's dense portfolio. The
// usual caller is a trading action that has already computed its net
// positions.
func (e *Engine) AddPortfolioAssets(ctx context.Context, addr common.Address, assets []PortfolioAsset, blockTime uint64) error {
	for i := range assets {
		asset := &assets[i]
		if _, err := e.currency(asset.CurrencyID); err != nil {
			return err
		}
		if asset.Maturity%Day != 0 || asset.Maturity <= blockTime {
			return ErrInvalidMaturity
		}
		if asset.AssetType == AssetTypeLiquidityToken {
			if err := e.checkMarketMaturity(asset.CurrencyID, asset.Maturity, blockTime); err != nil {
				return err
			}
		}
	}
	return e.runAction(ctx, "addAssets", func(st State) error {
		acctCtx, err := st.AccountContext(addr)
		if err != nil {
			return err
		}
		if err := e.settleAccountIfNeeded(st, addr, acctCtx, blockTime, true); err != nil {
			return err
		}
		portfolio, err := st.Portfolio(addr)
		if err != nil {
			return err
		}
		for i := range assets {
			portfolio, err = AddAssetToPortfolio(portfolio, assets[i])
			if err != nil {
				return err
			}
		}
		return StoreAssetsAndUpdateContext(st, addr, acctCtx, portfolio)
	})
}

func (e *Engine) checkMarketMaturity(currencyID uint16, maturity, blockTime uint64) error {
	group, ok := e.cashGroups[currencyID]
	if !ok {
		return ErrInvalidMaturity
	}
	for _, valid := range group.MarketMaturities(blockTime) {
		if maturity == valid {
			return nil
		}
	}
	return ErrInvalidMaturity
}

// EnableBitmapCurrency switches the account's portfolio for one currency to
// the bitmap representation.
func (e *Engine) EnableBitmapCurrency(ctx context.Context, addr common.Address, currencyID uint16, blockTime uint64) error {
	if _, err := e.currency(currencyID); err != nil {
		return err
	}
	return e.runAction(ctx, "enableBitmap", func(st State) error {
		acctCtx, err := st.AccountContext(addr)
		if err != nil {
			return err
		}
		if err := e.settleAccountIfNeeded(st, addr, acctCtx, blockTime, true); err != nil {
			return err
		}
		return EnableBitmapForAccount(st, addr, currencyID, blockTime)
	})
}

// SetIfCash sets the fCash notional at one bitmap maturity. A zero notional
// clears the slot.
func (e *Engine) SetIfCash(ctx context.Context, addr common.Address, maturity uint64, notional *big.Int, blockTime uint64) error {
	if notional == nil {
		return ErrInvalidAmount
	}
	if maturity <= blockTime {
		return ErrInvalidMaturity
	}
	return e.runAction(ctx, "setIfCash", func(st State) error {
		acctCtx, err := st.AccountContext(addr)
		if err != nil {
			return err
		}
		if err := e.settleAccountIfNeeded(st, addr, acctCtx, blockTime, true); err != nil {
			return err
		}
		if !acctCtx.HasBitmapPortfolio {
			return ErrInvalidPortfolioState
		}
		bitNum, err := BitNumFromMaturity(acctCtx.BitmapReferenceTime, maturity)
		if err != nil {
			return err
		}
		bitmap, err := st.AssetsBitmap(addr, acctCtx.BitmapCurrencyID)
		if err != nil {
			return err
		}
		if err := bitmap.SetBit(bitNum, notional.Sign() != 0); err != nil {
			return err
		}
		if err := st.PutAssetsBitmap(addr, acctCtx.BitmapCurrencyID, bitmap); err != nil {
			return err
		}
		if err := st.PutIfCash(addr, acctCtx.BitmapCurrencyID, maturity, notional); err != nil {
			return err
		}
		portfolio, err := st.Portfolio(addr)
		if err != nil {
			return err
		}
		return StoreAssetsAndUpdateContext(st, addr, acctCtx, portfolio)
	})
}

// SettleAccount runs the settlement transition explicitly. Settling a
// current account is a no-op.
func (e *Engine) SettleAccount(ctx context.Context, addr common.Address, blockTime uint64) error {
	return e.runAction(ctx, "settleAccount", func(st State) error {
		acctCtx, err := st.AccountContext(addr)
		if err != nil {
			return err
		}
		return e.settleAccountIfNeeded(st, addr, acctCtx, blockTime, true)
	})
}

// InitializeMarkets creates the quarterly market ladder for a currency where
// records do not exist yet.
func (e *Engine) InitializeMarkets(ctx context.Context, currencyID uint16, blockTime uint64) error {
	group, ok := e.cashGroups[currencyID]
	if !ok {
		return ErrUnknownCurrency
	}
	return e.runAction(ctx, "initializeMarkets", func(st State) error {
		for _, maturity := range group.MarketMaturities(blockTime) {
			existing, err := st.Market(currencyID, maturity)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			market := &Market{CurrencyID: currencyID, Maturity: maturity}
			if err := st.PutMarket(market); err != nil {
				return err
			}
		}
		return nil
	})
}

// BalanceOf returns the settled (cash, nToken) pair for a currency without
// persisting the settlement.
func (e *Engine) BalanceOf(ctx context.Context, addr common.Address, currencyID uint16, blockTime uint64) (*big.Int, *big.Int, error) {
	_, span := e.tracer.Start(ctx, "portfolio.balanceOf")
	defer span.End()

	if _, err := e.currency(currencyID); err != nil {
		return nil, nil, err
	}
	st := e.viewState()
	acctCtx, err := st.AccountContext(addr)
	if err != nil {
		return nil, nil, err
	}
	if err := e.settleAccountIfNeeded(st, addr, acctCtx, blockTime, false); err != nil {
		return nil, nil, err
	}
	return st.Balance(addr, currencyID)
}

// FreeCollateral values the account's settled positions in ETH terms with
// haircuts on assets and buffers on liabilities. A negative result means the
// account is undercollateralised.
func (e *Engine) FreeCollateral(ctx context.Context, addr common.Address, blockTime uint64) (*big.Int, error) {
	_, span := e.tracer.Start(ctx, "portfolio.freeCollateral")
	defer span.End()

	st := e.viewState()
	acctCtx, err := st.AccountContext(addr)
	if err != nil {
		return nil, err
	}
	if err := e.settleAccountIfNeeded(st, addr, acctCtx, blockTime, false); err != nil {
		return nil, err
	}

	assets, err := st.Portfolio(addr)
	if err != nil {
		return nil, err
	}

	total := big.NewInt(0)
	var walkErr error
	acctCtx.ActiveCurrencies.ForEachSetBit(func(bitNum uint) bool {
		currencyID := uint16(bitNum)
		value, err := e.currencyValueUnderlying(st, addr, acctCtx, assets, currencyID)
		if err != nil {
			walkErr = err
			return false
		}
		currency, err := e.currency(currencyID)
		if err != nil {
			walkErr = err
			return false
		}
		ethRate, err := currency.FetchETHRate(true)
		if err != nil {
			walkErr = err
			return false
		}
		ethValue, err := ethRate.ConvertToETH(value)
		if err != nil {
			walkErr = err
			return false
		}
		total, err = Add(total, ethValue)
		if err != nil {
			walkErr = err
			return false
		}
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return total, nil
}

// currencyValueUnderlying nets one currency's cash and portfolio into a
// single underlying-denominated value. fCash is valued at face; liquidity
// tokens at their pro-rata market claims.
func (e *Engine) currencyValueUnderlying(st State, addr common.Address, acctCtx *AccountContext, assets []PortfolioAsset, currencyID uint16) (*big.Int, error) {
	currency, err := e.currency(currencyID)
	if err != nil {
		return nil, err
	}
	cash, _, err := st.Balance(addr, currencyID)
	if err != nil {
		return nil, err
	}

	assetCash := new(big.Int).Set(cash)
	underlyingFace := big.NewInt(0)
	for i := range assets {
		asset := &assets[i]
		if asset.CurrencyID != currencyID {
			continue
		}
		switch asset.AssetType {
		case AssetTypeFCash:
			underlyingFace, err = Add(underlyingFace, asset.Notional)
			if err != nil {
				return nil, err
			}
		case AssetTypeLiquidityToken:
			market, err := st.Market(currencyID, asset.Maturity)
			if err != nil {
				return nil, err
			}
			if market == nil || market.TotalLiquidity == nil || market.TotalLiquidity.Sign() == 0 {
				return nil, ErrInvalidPortfolioState
			}
			market.ensureDefaults()
			cashClaim, err := proRata(asset.Notional, market.TotalAssetCash, market.TotalLiquidity)
			if err != nil {
				return nil, err
			}
			fCashClaim, err := proRata(asset.Notional, market.TotalFCash, market.TotalLiquidity)
			if err != nil {
				return nil, err
			}
			assetCash, err = Add(assetCash, cashClaim)
			if err != nil {
				return nil, err
			}
			underlyingFace, err = Add(underlyingFace, fCashClaim)
			if err != nil {
				return nil, err
			}
		}
	}

	if acctCtx.HasBitmapPortfolio && acctCtx.BitmapCurrencyID == currencyID {
		bitmap, err := st.AssetsBitmap(addr, currencyID)
		if err != nil {
			return nil, err
		}
		var walkErr error
		bitmap.ForEachSetBit(func(bitNum uint) bool {
			maturity, err := MaturityFromBitNum(acctCtx.BitmapReferenceTime, bitNum)
			if err != nil {
				walkErr = err
				return false
			}
			notional, err := st.IfCash(addr, currencyID, maturity)
			if err != nil {
				walkErr = err
				return false
			}
			underlyingFace, err = Add(underlyingFace, notional)
			if err != nil {
				walkErr = err
				return false
			}
			return true
		})
		if walkErr != nil {
			return nil, walkErr
		}
	}

	rate, err := currency.AssetRate()
	if err != nil {
		return nil, err
	}
	underlyingCash, err := ConvertToUnderlying(rate, assetCash, currency.Config.RateDecimals)
	if err != nil {
		return nil, err
	}
	return Add(underlyingCash, underlyingFace)
}

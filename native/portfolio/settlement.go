package portfolio

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"notional/observability/metrics"
)

// settlementRate resolves the canonical rate for a matured (currency,
// maturity) pair. The first settlement captures the adapter's current asset
// rate and persists it; every later settlement of the same maturity reuses
// the stored value so all accounts settle identically.
func (e *Engine) settlementRate(st State, currency *Currency, maturity, blockTime uint64, persist bool) (*SettlementRate, error) {
	stored, err := st.SettlementRate(currency.Config.ID, maturity)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		return stored, nil
	}
	rate, err := currency.AssetRate()
	if err != nil {
		return nil, err
	}
	captured := &SettlementRate{
		Rate:      rate,
		Decimals:  currency.Config.RateDecimals,
		Timestamp: blockTime,
	}
	if persist {
		if err := st.PutSettlementRate(currency.Config.ID, maturity, captured); err != nil {
			return nil, err
		}
		metrics.Portfolio().SettlementRateStored()
	}
	return captured, nil
}

// settleAccountIfNeeded runs the settlement transition when the account is
// stale. Every action that reads or writes balances goes through here before
// touching anything else.
func (e *Engine) settleAccountIfNeeded(st State, addr common.Address, ctx *AccountContext, blockTime uint64, persist bool) error {
	if !ctx.RequiresSettlement(blockTime) {
		return nil
	}
	settled, err := e.settleAccount(st, addr, ctx, blockTime, persist)
	if err != nil {
		return err
	}
	if persist {
		metrics.Portfolio().AccountSettled(settled, float64(blockTime-TimeUTC0(blockTime)))
		e.log.Info("account settled",
			"account", addr.Hex(),
			"assets", settled,
			"nextSettleTime", ctx.NextSettleTime,
		)
	}
	return nil
}

// settleAccount converts every matured asset into cash at the canonical
// settlement rate, clears matured bitmap bits, and advances the account's
// next settle time. It returns the number of assets settled.
func (e *Engine) settleAccount(st State, addr common.Address, ctx *AccountContext, blockTime uint64, persist bool) (int, error) {
	deltas := make(map[uint16]*big.Int)
	accumulate := func(currencyID uint16, delta *big.Int) error {
		current, ok := deltas[currencyID]
		if !ok {
			current = big.NewInt(0)
		}
		updated, err := Add(current, delta)
		if err != nil {
			return err
		}
		deltas[currencyID] = updated
		return nil
	}

	assets, err := st.Portfolio(addr)
	if err != nil {
		return 0, err
	}
	settled := 0
	for i := range assets {
		asset := &assets[i]
		if asset.Maturity > blockTime {
			continue
		}
		currency, err := e.currency(asset.CurrencyID)
		if err != nil {
			return 0, err
		}
		rate, err := e.settlementRate(st, currency, asset.Maturity, blockTime, persist)
		if err != nil {
			return 0, err
		}
		var cashDelta *big.Int
		switch asset.AssetType {
		case AssetTypeFCash:
			cashDelta, err = ConvertFromUnderlying(rate.Rate, asset.Notional, rate.Decimals)
			if err != nil {
				return 0, err
			}
		case AssetTypeLiquidityToken:
			cashDelta, err = e.settleLiquidityToken(st, asset, rate)
			if err != nil {
				return 0, err
			}
		default:
			return 0, ErrInvalidPortfolioState
		}
		if err := accumulate(asset.CurrencyID, cashDelta); err != nil {
			return 0, err
		}
		asset.Notional = big.NewInt(0)
		asset.Dirty = true
		settled++
	}

	if ctx.HasBitmapPortfolio {
		bitmapSettled, err := e.settleBitmapPortfolio(st, addr, ctx, blockTime, persist, accumulate)
		if err != nil {
			return 0, err
		}
		settled += bitmapSettled
	}

	// Rewrite the asset array first so balance finalisation observes the
	// compacted portfolio when maintaining active-currency bits.
	if err := StoreAssetsAndUpdateContext(st, addr, ctx, assets); err != nil {
		return 0, err
	}

	currencyIDs := make([]uint16, 0, len(deltas))
	for currencyID := range deltas {
		currencyIDs = append(currencyIDs, currencyID)
	}
	sort.Slice(currencyIDs, func(i, j int) bool { return currencyIDs[i] < currencyIDs[j] })
	for _, currencyID := range currencyIDs {
		balance, err := LoadBalanceState(st, addr, currencyID)
		if err != nil {
			return 0, err
		}
		balance.AllowDebt()
		if err := balance.AccumulateCash(deltas[currencyID]); err != nil {
			return 0, err
		}
		if err := balance.Finalize(st, ctx); err != nil {
			return 0, err
		}
	}
	if err := st.PutAccountContext(addr, ctx); err != nil {
		return 0, err
	}
	return settled, nil
}

// settleBitmapPortfolio folds matured bitmap maturities into cash and, when
// every surviving maturity re-encodes exactly against the new day boundary,
// advances the bitmap's reference time. Otherwise the old anchor is kept and
// only matured bits are cleared.
func (e *Engine) settleBitmapPortfolio(st State, addr common.Address, ctx *AccountContext, blockTime uint64, persist bool, accumulate func(uint16, *big.Int) error) (int, error) {
	currency, err := e.currency(ctx.BitmapCurrencyID)
	if err != nil {
		return 0, err
	}
	bitmap, err := st.AssetsBitmap(addr, ctx.BitmapCurrencyID)
	if err != nil {
		return 0, err
	}
	if bitmap.IsZero() {
		return 0, nil
	}

	var (
		walkErr   error
		settled   int
		remaining []uint64
	)
	bitmap.ForEachSetBit(func(bitNum uint) bool {
		maturity, err := MaturityFromBitNum(ctx.BitmapReferenceTime, bitNum)
		if err != nil {
			walkErr = err
			return false
		}
		if maturity > blockTime {
			remaining = append(remaining, maturity)
			return true
		}
		notional, err := st.IfCash(addr, ctx.BitmapCurrencyID, maturity)
		if err != nil {
			walkErr = err
			return false
		}
		rate, err := e.settlementRate(st, currency, maturity, blockTime, persist)
		if err != nil {
			walkErr = err
			return false
		}
		cashDelta, err := ConvertFromUnderlying(rate.Rate, notional, rate.Decimals)
		if err != nil {
			walkErr = err
			return false
		}
		if err := accumulate(ctx.BitmapCurrencyID, cashDelta); err != nil {
			walkErr = err
			return false
		}
		if err := st.PutIfCash(addr, ctx.BitmapCurrencyID, maturity, nil); err != nil {
			walkErr = err
			return false
		}
		settled++
		return true
	})
	if walkErr != nil {
		return 0, walkErr
	}

	newRef := TimeUTC0(blockTime)
	rebuilt := &Bitmap{}
	refOK := true
	for _, maturity := range remaining {
		bitNum, err := BitNumFromMaturity(newRef, maturity)
		if err != nil {
			refOK = false
			break
		}
		if err := rebuilt.SetBit(bitNum, true); err != nil {
			return 0, err
		}
	}
	if !refOK {
		rebuilt = &Bitmap{}
		for _, maturity := range remaining {
			bitNum, err := BitNumFromMaturity(ctx.BitmapReferenceTime, maturity)
			if err != nil {
				return 0, err
			}
			if err := rebuilt.SetBit(bitNum, true); err != nil {
				return 0, err
			}
		}
	} else {
		ctx.BitmapReferenceTime = newRef
	}
	if err := st.PutAssetsBitmap(addr, ctx.BitmapCurrencyID, rebuilt); err != nil {
		return 0, err
	}
	return settled, nil
}

// settleLiquidityToken redeems a matured liquidity token for its cash and
// fCash claims on the market; the fCash claim settles at the same canonical
// rate as a direct fCash position.
func (e *Engine) settleLiquidityToken(st State, asset *PortfolioAsset, rate *SettlementRate) (*big.Int, error) {
	market, err := st.Market(asset.CurrencyID, asset.Maturity)
	if err != nil {
		return nil, err
	}
	if market == nil || market.TotalLiquidity == nil || market.TotalLiquidity.Sign() == 0 {
		return nil, ErrInvalidPortfolioState
	}
	if asset.Notional.Sign() < 0 || asset.Notional.Cmp(market.TotalLiquidity) > 0 {
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
	settledFCash, err := ConvertFromUnderlying(rate.Rate, fCashClaim, rate.Decimals)
	if err != nil {
		return nil, err
	}
	cashDelta, err := Add(cashClaim, settledFCash)
	if err != nil {
		return nil, err
	}

	market.TotalAssetCash = new(big.Int).Sub(market.TotalAssetCash, cashClaim)
	market.TotalFCash = new(big.Int).Sub(market.TotalFCash, fCashClaim)
	market.TotalLiquidity = new(big.Int).Sub(market.TotalLiquidity, asset.Notional)
	if err := st.PutMarket(market); err != nil {
		return nil, err
	}
	return cashDelta, nil
}

func proRata(share, total, denominator *big.Int) (*big.Int, error) {
	scaled, err := Mul(share, total)
	if err != nil {
		return nil, err
	}
	return Div(scaled, denominator)
}

package portfolio

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// EnableBitmapForAccount designates currencyID as the account's single
// bitmap-portfolio currency. It fails when another currency already holds the
// designation, when dense assets exist in the currency, or when the account
// is stale and must settle first.
func EnableBitmapForAccount(st State, addr common.Address, currencyID uint16, blockTime uint64) error {
	if currencyID < 1 || currencyID > MaxBitNum {
		return ErrUnknownCurrency
	}
	ctx, err := st.AccountContext(addr)
	if err != nil {
		return err
	}
	if ctx.HasBitmapPortfolio {
		if ctx.BitmapCurrencyID == currencyID {
			return nil
		}
		return ErrInvalidPortfolioState
	}
	if ctx.RequiresSettlement(blockTime) {
		return ErrInvalidPortfolioState
	}
	assets, err := st.Portfolio(addr)
	if err != nil {
		return err
	}
	for i := range assets {
		if assets[i].CurrencyID == currencyID {
			return ErrInvalidPortfolioState
		}
	}

	ctx.HasBitmapPortfolio = true
	ctx.BitmapCurrencyID = currencyID
	ctx.BitmapReferenceTime = TimeUTC0(blockTime)
	if err := ctx.ActiveCurrencies.SetBit(uint(currencyID), true); err != nil {
		return err
	}
	return st.PutAccountContext(addr, ctx)
}

// AddAssetToPortfolio merges an asset into an in-memory portfolio: an
// existing (currency, type, maturity) slot absorbs the notional, otherwise
// the asset is appended. The duplicate-slot invariant is enforced here, at
// insert time.
func AddAssetToPortfolio(assets []PortfolioAsset, asset PortfolioAsset) ([]PortfolioAsset, error) {
	if asset.Notional == nil {
		return nil, ErrInvalidPortfolioState
	}
	key := asset.key()
	for i := range assets {
		if assets[i].key() != key {
			continue
		}
		merged, err := Add(assets[i].Notional, asset.Notional)
		if err != nil {
			return nil, err
		}
		assets[i].Notional = merged
		assets[i].Dirty = true
		return assets, nil
	}
	appended := asset.Clone()
	appended.StorageIndex = -1
	appended.Dirty = true
	return append(assets, appended), nil
}

// StoreAssetsAndUpdateContext writes an in-memory portfolio back to the
// dense array: zero-notional slots are deleted and the array compacted, new
// non-zero slots are appended, and surviving entries keep their relative
// order. The account context's active currencies and next settle time are
// recomputed from the result.
func StoreAssetsAndUpdateContext(st State, addr common.Address, ctx *AccountContext, assets []PortfolioAsset) error {
	seen := make(map[assetKey]bool, len(assets))
	result := make([]PortfolioAsset, 0, len(assets))
	for i := range assets {
		asset := &assets[i]
		if ctx.HasBitmapPortfolio && asset.CurrencyID == ctx.BitmapCurrencyID {
			// Bitmap currencies never hold dense entries.
			return ErrInvalidPortfolioState
		}
		if asset.CurrencyID < 1 || asset.CurrencyID > MaxBitNum {
			return ErrUnknownCurrency
		}
		if seen[asset.key()] {
			return ErrInvalidPortfolioState
		}
		seen[asset.key()] = true
		if asset.Notional == nil || asset.Notional.Sign() == 0 {
			continue
		}
		result = append(result, asset.Clone())
	}

	// A stable sort keeps the relative order of previously stored entries
	// while restoring the (currency, maturity) array invariant for appends.
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CurrencyID != result[j].CurrencyID {
			return result[i].CurrencyID < result[j].CurrencyID
		}
		if result[i].Maturity != result[j].Maturity {
			return result[i].Maturity < result[j].Maturity
		}
		return result[i].AssetType < result[j].AssetType
	})
	for i := range result {
		result[i].StorageIndex = i
		result[i].Dirty = false
	}
	if err := st.PutPortfolio(addr, result); err != nil {
		return err
	}

	// Recompute active-currency bits for dense currencies. A currency stays
	// active while it still has a balance even with no assets left.
	present := make(map[uint16]bool)
	for i := range result {
		present[result[i].CurrencyID] = true
	}
	for i := range assets {
		currencyID := assets[i].CurrencyID
		if present[currencyID] {
			continue
		}
		cash, nToken, err := st.Balance(addr, currencyID)
		if err != nil {
			return err
		}
		if cash.Sign() == 0 && nToken.Sign() == 0 {
			if err := ctx.ActiveCurrencies.SetBit(uint(currencyID), false); err != nil {
				return err
			}
		}
	}
	for currencyID := range present {
		if err := ctx.ActiveCurrencies.SetBit(uint(currencyID), true); err != nil {
			return err
		}
	}

	next, err := nextSettleTime(st, addr, ctx, result)
	if err != nil {
		return err
	}
	ctx.NextSettleTime = next
	return st.PutAccountContext(addr, ctx)
}

// nextSettleTime finds the earliest maturity across the dense array and the
// bitmap portfolio; zero means nothing is pending.
func nextSettleTime(st State, addr common.Address, ctx *AccountContext, assets []PortfolioAsset) (uint64, error) {
	var next uint64
	for i := range assets {
		if next == 0 || assets[i].Maturity < next {
			next = assets[i].Maturity
		}
	}
	if ctx.HasBitmapPortfolio {
		bitmap, err := st.AssetsBitmap(addr, ctx.BitmapCurrencyID)
		if err != nil {
			return 0, err
		}
		if !bitmap.IsZero() {
			bitNum, err := bitmap.MSB()
			if err != nil {
				return 0, err
			}
			maturity, err := MaturityFromBitNum(ctx.BitmapReferenceTime, bitNum)
			if err != nil {
				return 0, err
			}
			if next == 0 || maturity < next {
				next = maturity
			}
		}
	}
	return next, nil
}

package portfolio

import "math/big"

// AssetType discriminates the kinds of entries a portfolio can hold.
type AssetType uint8

const (
	// AssetTypeFCash is a fixed claim to underlying at a future maturity.
	AssetTypeFCash AssetType = iota + 1
	// AssetTypeLiquidityToken is a share of a market's cash and fCash.
	AssetTypeLiquidityToken
)

// PortfolioAsset is one entry of an account's dense asset array. Notional is
// denominated in internal underlying precision for fCash and in liquidity
// units for liquidity tokens.
type PortfolioAsset struct {
	CurrencyID uint16
	AssetType  AssetType
	Maturity   uint64
	Notional   *big.Int

	// StorageIndex is the asset's position in the persisted array, or -1 for
	// an entry that has not been stored yet.
	StorageIndex int
	// Dirty marks an in-memory change pending write-back.
	Dirty bool
}

// Clone returns a deep copy of the asset.
func (a *PortfolioAsset) Clone() PortfolioAsset {
	clone := *a
	if a.Notional != nil {
		clone.Notional = new(big.Int).Set(a.Notional)
	}
	return clone
}

// key identifies the unique slot the asset occupies.
type assetKey struct {
	currencyID uint16
	assetType  AssetType
	maturity   uint64
}

func (a *PortfolioAsset) key() assetKey {
	return assetKey{currencyID: a.CurrencyID, assetType: a.AssetType, maturity: a.Maturity}
}

// AccountContext is the per-account header record. ActiveCurrencies marks the
// currencies with a balance or a portfolio; at most one currency may use the
// bitmap portfolio representation.
type AccountContext struct {
	ActiveCurrencies   Bitmap
	HasBitmapPortfolio bool
	BitmapCurrencyID   uint16
	// BitmapReferenceTime anchors the assets bitmap: bit positions encode
	// maturities relative to this UTC day boundary.
	BitmapReferenceTime uint64
	// NextSettleTime is the earliest unsettled maturity across both
	// representations, or zero when nothing is pending.
	NextSettleTime uint64
}

// Validate rejects a context whose bitmap designation is inconsistent.
func (c *AccountContext) Validate() error {
	if c.HasBitmapPortfolio {
		if c.BitmapCurrencyID == 0 {
			return ErrStorageInvariant
		}
		if !c.ActiveCurrencies.IsBitSet(uint(c.BitmapCurrencyID)) {
			return ErrStorageInvariant
		}
	} else if c.BitmapCurrencyID != 0 || c.BitmapReferenceTime != 0 {
		return ErrStorageInvariant
	}
	return nil
}

// RequiresSettlement reports whether the account is stale at blockTime.
func (c *AccountContext) RequiresSettlement(blockTime uint64) bool {
	return c.NextSettleTime != 0 && c.NextSettleTime <= blockTime
}

// Clone returns a deep copy of the context.
func (c *AccountContext) Clone() *AccountContext {
	clone := *c
	clone.ActiveCurrencies = *c.ActiveCurrencies.Clone()
	return &clone
}

// Market is the liquidity pool state for one (currency, maturity) pair.
// TotalFCash is underlying-denominated, TotalAssetCash asset-denominated.
type Market struct {
	CurrencyID        uint16
	Maturity          uint64
	TotalFCash        *big.Int
	TotalAssetCash    *big.Int
	TotalLiquidity    *big.Int
	LastImpliedRate   uint64
	OracleRate        uint64
	PreviousTradeTime uint64
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := *m
	if m.TotalFCash != nil {
		clone.TotalFCash = new(big.Int).Set(m.TotalFCash)
	}
	if m.TotalAssetCash != nil {
		clone.TotalAssetCash = new(big.Int).Set(m.TotalAssetCash)
	}
	if m.TotalLiquidity != nil {
		clone.TotalLiquidity = new(big.Int).Set(m.TotalLiquidity)
	}
	return &clone
}

func (m *Market) ensureDefaults() {
	if m.TotalFCash == nil {
		m.TotalFCash = big.NewInt(0)
	}
	if m.TotalAssetCash == nil {
		m.TotalAssetCash = big.NewInt(0)
	}
	if m.TotalLiquidity == nil {
		m.TotalLiquidity = big.NewInt(0)
	}
}

// SettlementRate is the canonical underlying-per-asset rate captured the
// first time a maturity settles in a currency. Every later settlement of the
// same (currency, maturity) pair reuses it.
type SettlementRate struct {
	Rate      *big.Int
	Decimals  uint8
	Timestamp uint64
}

// Clone returns a deep copy of the settlement rate.
func (r *SettlementRate) Clone() *SettlementRate {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Rate != nil {
		clone.Rate = new(big.Int).Set(r.Rate)
	}
	return &clone
}

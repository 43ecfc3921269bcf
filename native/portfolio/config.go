package portfolio

import "fmt"

// CurrencyConfig captures the listing parameters for one currency. Immutable
// once listed except through the privileged listing action.
type CurrencyConfig struct {
	ID                 uint16 `toml:"ID"`
	Symbol             string `toml:"Symbol"`
	UnderlyingDecimals uint8  `toml:"UnderlyingDecimals"`
	AssetDecimals      uint8  `toml:"AssetDecimals"`
	RateDecimals       uint8  `toml:"RateDecimals"`
	MustInvert         bool   `toml:"MustInvert"`
	// BufferPct inflates liabilities during collateral checks; at least 100.
	BufferPct uint8 `toml:"BufferPct"`
	// HaircutPct discounts assets during collateral checks; at most 100.
	HaircutPct uint8 `toml:"HaircutPct"`
}

// Validate checks the listing parameters.
func (c *CurrencyConfig) Validate() error {
	if c.ID < 1 || c.ID > MaxBitNum {
		return fmt.Errorf("currency id %d outside 1..%d", c.ID, MaxBitNum)
	}
	if c.UnderlyingDecimals > 18 || c.AssetDecimals > 18 || c.RateDecimals > 18 {
		return fmt.Errorf("decimals above 18 are not supported")
	}
	if c.BufferPct < PercentageBasis {
		return fmt.Errorf("buffer %d below %d", c.BufferPct, PercentageBasis)
	}
	if c.HaircutPct > PercentageBasis {
		return fmt.Errorf("haircut %d above %d", c.HaircutPct, PercentageBasis)
	}
	return nil
}

// CashGroupConfig is the per-currency market configuration. Markets sit on a
// quarterly ladder anchored to the quarter boundary at or before block time.
type CashGroupConfig struct {
	CurrencyID              uint16 `toml:"CurrencyID"`
	MaxMarketIndex          uint8  `toml:"MaxMarketIndex"`
	RateOracleTimeWindowMin uint32 `toml:"RateOracleTimeWindowMin"`
}

const maxMarketIndexLimit = 7

// Validate checks the market configuration.
func (c *CashGroupConfig) Validate() error {
	if c.CurrencyID < 1 || c.CurrencyID > MaxBitNum {
		return fmt.Errorf("currency id %d outside 1..%d", c.CurrencyID, MaxBitNum)
	}
	if c.MaxMarketIndex < 1 || c.MaxMarketIndex > maxMarketIndexLimit {
		return fmt.Errorf("max market index %d outside 1..%d", c.MaxMarketIndex, maxMarketIndexLimit)
	}
	if c.RateOracleTimeWindowMin == 0 {
		return fmt.Errorf("rate oracle time window must be positive")
	}
	return nil
}

// MarketMaturities returns the active market maturities at blockTime: one
// per quarter out to MaxMarketIndex, anchored to the preceding quarter
// boundary.
func (c CashGroupConfig) MarketMaturities(blockTime uint64) []uint64 {
	tRef := blockTime - blockTime%Quarter
	maturities := make([]uint64, 0, c.MaxMarketIndex)
	for i := uint8(1); i <= c.MaxMarketIndex; i++ {
		maturities = append(maturities, tRef+uint64(i)*Quarter)
	}
	return maturities
}

package portfolio

import "math/big"

// RateOracle is the external price feed collaborator for a currency's ETH
// exchange rate. The core treats the returned value as opaque and trusted;
// staleness policy belongs to the oracle.
type RateOracle interface {
	// ExchangeRateView returns the rate without mutating oracle state.
	ExchangeRateView() (*big.Int, error)
	// ExchangeRateStateful returns the rate, allowing the oracle to update
	// any internal accumulator it keeps.
	ExchangeRateStateful() (*big.Int, error)
}

// TokenAdapter is the external asset-protocol collaborator that wraps a
// currency's yield-bearing asset token.
type TokenAdapter interface {
	// Mint deposits underlying and returns the asset amount credited.
	Mint(underlying *big.Int) (*big.Int, error)
	// Redeem burns asset cash and returns the underlying amount released.
	Redeem(asset *big.Int) (*big.Int, error)
	// UnderlyingValue values an asset balance in underlying terms.
	UnderlyingValue(assetBalance *big.Int) (*big.Int, error)
}

// Currency bundles a listing with its external collaborators.
type Currency struct {
	Config  CurrencyConfig
	Oracle  RateOracle
	Adapter TokenAdapter
}

// ETHRate carries an oracle rate with the valuation parameters applied during
// collateral checks.
type ETHRate struct {
	Rate     *big.Int
	Decimals uint8
	Buffer   uint8
	Haircut  uint8
}

// FetchETHRate reads the currency's oracle and normalises the quote into an
// ETHRate. The view flag selects the non-mutating oracle path.
func (c *Currency) FetchETHRate(view bool) (ETHRate, error) {
	var (
		rate *big.Int
		err  error
	)
	if view {
		rate, err = c.Oracle.ExchangeRateView()
	} else {
		rate, err = c.Oracle.ExchangeRateStateful()
	}
	if err != nil {
		return ETHRate{}, err
	}
	if rate == nil || rate.Sign() <= 0 {
		return ETHRate{}, ErrInvalidRate
	}
	if c.Config.MustInvert {
		// Invert around the oracle's own precision: 10^(2*decimals) / rate.
		numerator := new(big.Int).Mul(tenPow(c.Config.RateDecimals), tenPow(c.Config.RateDecimals))
		rate = numerator.Quo(numerator, rate)
		if rate.Sign() <= 0 {
			return ETHRate{}, ErrInvalidRate
		}
	}
	return ETHRate{
		Rate:     rate,
		Decimals: c.Config.RateDecimals,
		Buffer:   c.Config.BufferPct,
		Haircut:  c.Config.HaircutPct,
	}, nil
}

// AssetRate reads the adapter's current underlying-per-asset rate at the
// currency's rate precision.
func (c *Currency) AssetRate() (*big.Int, error) {
	rate, err := c.Adapter.UnderlyingValue(tenPow(c.Config.RateDecimals))
	if err != nil {
		return nil, err
	}
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrInvalidRate
	}
	return rate, nil
}

// ConvertToETH values an underlying balance in ETH terms, applying the
// haircut to assets and the buffer to liabilities: assets shrink, liabilities
// grow, and the balance's sign is preserved.
func (r ETHRate) ConvertToETH(balance *big.Int) (*big.Int, error) {
	multiplier := big.NewInt(int64(r.Haircut))
	if balance.Sign() < 0 {
		multiplier = big.NewInt(int64(r.Buffer))
	}
	adjusted, err := Mul(balance, multiplier)
	if err != nil {
		return nil, err
	}
	adjusted, err = Div(adjusted, bigPercentage)
	if err != nil {
		return nil, err
	}
	return ConvertToUnderlying(r.Rate, adjusted, r.Decimals)
}

// ConvertETHTo converts an ETH-denominated balance into the local currency
// at the raw rate, without haircut or buffer.
func (r ETHRate) ConvertETHTo(balance *big.Int) (*big.Int, error) {
	return ConvertFromUnderlying(r.Rate, balance, r.Decimals)
}

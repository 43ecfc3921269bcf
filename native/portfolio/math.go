package portfolio

import "math/big"

// Fixed-point precisions used throughout the accounting core. Rates carry
// nine decimal places, internal token balances eight; external token amounts
// keep their native decimals until converted at the boundary.
const (
	RatePrecision          = 1_000_000_000
	InternalTokenPrecision = 100_000_000
	PercentageBasis        = 100
)

var (
	bigPercentage     = big.NewInt(PercentageBasis)
	maxInt256         = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt256         = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
	powersOfTenMemo   [19]*big.Int
	maxPackedMantissa = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 48), big.NewInt(1))
)

func init() {
	for i := range powersOfTenMemo {
		powersOfTenMemo[i] = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(i)), nil)
	}
}

func tenPow(decimals uint8) *big.Int {
	if int(decimals) < len(powersOfTenMemo) {
		return powersOfTenMemo[decimals]
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

// checkInt256 enforces the signed 256-bit range the host chain would have
// guaranteed with checked arithmetic.
func checkInt256(x *big.Int) (*big.Int, error) {
	if x.Cmp(maxInt256) > 0 || x.Cmp(minInt256) < 0 {
		return nil, ErrArithmeticOverflow
	}
	return x, nil
}

// Add returns a+b, rejecting results outside the int256 range.
func Add(a, b *big.Int) (*big.Int, error) {
	return checkInt256(new(big.Int).Add(a, b))
}

// Sub returns a-b, rejecting results outside the int256 range.
func Sub(a, b *big.Int) (*big.Int, error) {
	return checkInt256(new(big.Int).Sub(a, b))
}

// Mul returns a*b, rejecting results outside the int256 range.
func Mul(a, b *big.Int) (*big.Int, error) {
	return checkInt256(new(big.Int).Mul(a, b))
}

// Div returns a/b truncated toward zero, matching EVM signed division.
func Div(a, b *big.Int) (*big.Int, error) {
	if b.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	return checkInt256(new(big.Int).Quo(a, b))
}

// Neg returns -a. Negating the minimum int256 overflows.
func Neg(a *big.Int) (*big.Int, error) {
	return checkInt256(new(big.Int).Neg(a))
}

// Abs returns |a|. The absolute value of the minimum int256 overflows.
func Abs(a *big.Int) (*big.Int, error) {
	return checkInt256(new(big.Int).Abs(a))
}

// ConvertToUnderlying converts an asset cash balance to its underlying
// denomination: balance * rate / 10^rateDecimals, truncated toward zero. The
// sign of the balance is preserved.
func ConvertToUnderlying(rate, balance *big.Int, rateDecimals uint8) (*big.Int, error) {
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrInvalidRate
	}
	scaled, err := Mul(balance, rate)
	if err != nil {
		return nil, err
	}
	return Div(scaled, tenPow(rateDecimals))
}

// ConvertFromUnderlying converts an underlying balance back to asset cash:
// balance * 10^rateDecimals / rate, truncated toward zero. It is the exact
// inverse of ConvertToUnderlying when no truncation occurred; in general the
// round trip may differ by one unit.
func ConvertFromUnderlying(rate, balance *big.Int, rateDecimals uint8) (*big.Int, error) {
	if rate == nil || rate.Sign() <= 0 {
		return nil, ErrInvalidRate
	}
	scaled, err := Mul(balance, tenPow(rateDecimals))
	if err != nil {
		return nil, err
	}
	return Div(scaled, rate)
}

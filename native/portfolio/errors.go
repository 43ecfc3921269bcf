package portfolio

import "errors"

// Every failure in the accounting core is fatal to the enclosing action. The
// engine discards the staged write set on any error; none of these are
// retried internally.
var (
	ErrArithmeticOverflow    = errors.New("portfolio: arithmetic overflow")
	ErrDivisionByZero        = errors.New("portfolio: division by zero")
	ErrInvalidRate           = errors.New("portfolio: invalid exchange rate")
	ErrInvalidMaturity       = errors.New("portfolio: invalid maturity")
	ErrInsufficientBalance   = errors.New("portfolio: insufficient balance")
	ErrInvalidPortfolioState = errors.New("portfolio: invalid portfolio state")
	ErrStorageInvariant      = errors.New("portfolio: storage invariant violation")
	ErrEmptyBitmap           = errors.New("portfolio: bitmap is empty")
	ErrBitOutOfRange         = errors.New("portfolio: bit number out of range")
	ErrUnknownCurrency       = errors.New("portfolio: unknown currency")
	ErrInvalidAmount         = errors.New("portfolio: amount must be positive")
	ErrCurrencyListed        = errors.New("portfolio: currency already listed")
)

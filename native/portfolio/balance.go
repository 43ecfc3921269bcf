package portfolio

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"notional/observability/metrics"
)

// BalanceState is the in-memory working copy of one (account, currency)
// balance. It is loaded once at the start of an action, accumulates deltas in
// memory, and is written back exactly once by Finalize.
type BalanceState struct {
	Account    common.Address
	CurrencyID uint16

	StoredCash   *big.Int
	StoredNToken *big.Int

	NetCashChange   *big.Int
	NetNTokenChange *big.Int

	// allowDebt permits the final cash position to fall below zero. Only the
	// settlement path sets it: matured negative fCash legitimately becomes a
	// cash liability, whereas user-facing debits must never overdraw.
	allowDebt bool
}

// LoadBalanceState reads the stored balance pair into a working copy.
func LoadBalanceState(st State, addr common.Address, currencyID uint16) (*BalanceState, error) {
	if currencyID < 1 || currencyID > MaxBitNum {
		return nil, ErrUnknownCurrency
	}
	cash, nToken, err := st.Balance(addr, currencyID)
	if err != nil {
		return nil, err
	}
	return &BalanceState{
		Account:         addr,
		CurrencyID:      currencyID,
		StoredCash:      cash,
		StoredNToken:    nToken,
		NetCashChange:   big.NewInt(0),
		NetNTokenChange: big.NewInt(0),
	}, nil
}

// AccumulateCash adds a signed cash delta to the working copy.
func (b *BalanceState) AccumulateCash(delta *big.Int) error {
	if delta == nil {
		return nil
	}
	updated, err := Add(b.NetCashChange, delta)
	if err != nil {
		return err
	}
	b.NetCashChange = updated
	return nil
}

// AccumulateNToken adds a signed nToken delta to the working copy.
func (b *BalanceState) AccumulateNToken(delta *big.Int) error {
	if delta == nil {
		return nil
	}
	updated, err := Add(b.NetNTokenChange, delta)
	if err != nil {
		return err
	}
	b.NetNTokenChange = updated
	return nil
}

// AllowDebt marks the balance as settlement-driven so a negative final cash
// position is accepted.
func (b *BalanceState) AllowDebt() { b.allowDebt = true }

// FinalCash returns the cash position the balance would finalize at.
func (b *BalanceState) FinalCash() (*big.Int, error) {
	return Add(b.StoredCash, b.NetCashChange)
}

// Finalize persists the balance once and maintains the account's
// active-currency bit: set while the currency holds a balance or portfolio,
// cleared when it empties out. The caller persists the mutated context at
// action finalisation.
func (b *BalanceState) Finalize(st State, ctx *AccountContext) error {
	finalCash, err := b.FinalCash()
	if err != nil {
		return err
	}
	finalNToken, err := Add(b.StoredNToken, b.NetNTokenChange)
	if err != nil {
		return err
	}
	if finalNToken.Sign() < 0 {
		return ErrInsufficientBalance
	}
	if finalCash.Sign() < 0 && !b.allowDebt && finalCash.Cmp(b.StoredCash) < 0 {
		return ErrInsufficientBalance
	}

	if err := st.PutBalance(b.Account, b.CurrencyID, finalCash, finalNToken); err != nil {
		return err
	}
	metrics.Portfolio().BalanceFinalized()

	active := finalCash.Sign() != 0 || finalNToken.Sign() != 0
	if !active {
		active, err = b.currencyHasPortfolio(st, ctx)
		if err != nil {
			return err
		}
	}
	return ctx.ActiveCurrencies.SetBit(uint(b.CurrencyID), active)
}

func (b *BalanceState) currencyHasPortfolio(st State, ctx *AccountContext) (bool, error) {
	if ctx.HasBitmapPortfolio && ctx.BitmapCurrencyID == b.CurrencyID {
		// The bitmap designation keeps the currency active even when empty.
		return true, nil
	}
	assets, err := st.Portfolio(b.Account)
	if err != nil {
		return false, err
	}
	for i := range assets {
		if assets[i].CurrencyID == b.CurrencyID {
			return true, nil
		}
	}
	return false, nil
}

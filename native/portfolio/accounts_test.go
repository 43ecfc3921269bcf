package portfolio

import (
	"errors"
	"math/big"
	"testing"

	"notional/storage"
)

func TestEnableBitmapForAccount(t *testing.T) {
	st := NewStore(storage.NewMemDB())
	addr := testAddr(0x10)
	blockTime := uint64(1_600_000_000)

	if err := EnableBitmapForAccount(st, addr, 2, blockTime); err != nil {
		t.Fatalf("enable bitmap: %v", err)
	}
	ctx, err := st.AccountContext(addr)
	if err != nil {
		t.Fatalf("load context: %v", err)
	}
	if !ctx.HasBitmapPortfolio || ctx.BitmapCurrencyID != 2 {
		t.Fatalf("designation not recorded: %+v", ctx)
	}
	if ctx.BitmapReferenceTime != TimeUTC0(blockTime) {
		t.Fatalf("reference time %d not on day boundary", ctx.BitmapReferenceTime)
	}
	if !ctx.ActiveCurrencies.IsBitSet(2) {
		t.Fatalf("currency 2 not marked active")
	}

	// Enabling the same currency again is a no-op.
	if err := EnableBitmapForAccount(st, addr, 2, blockTime+Day); err != nil {
		t.Fatalf("re-enable same currency: %v", err)
	}
	// A second currency cannot take the designation.
	if err := EnableBitmapForAccount(st, addr, 3, blockTime); !errors.Is(err, ErrInvalidPortfolioState) {
		t.Fatalf("expected rejection for second currency, got %v", err)
	}
}

func TestEnableBitmapRejectsDenseAssets(t *testing.T) {
	st := NewStore(storage.NewMemDB())
	addr := testAddr(0x11)

	assets := []PortfolioAsset{{CurrencyID: 2, AssetType: AssetTypeFCash, Maturity: 100 * Day, Notional: big.NewInt(1)}}
	if err := st.PutPortfolio(addr, assets); err != nil {
		t.Fatalf("seed portfolio: %v", err)
	}
	if err := EnableBitmapForAccount(st, addr, 2, 1_600_000_000); !errors.Is(err, ErrInvalidPortfolioState) {
		t.Fatalf("expected rejection with dense assets present, got %v", err)
	}
	// Other currencies remain eligible.
	if err := EnableBitmapForAccount(st, addr, 3, 1_600_000_000); err != nil {
		t.Fatalf("enable other currency: %v", err)
	}
}

func TestEnableBitmapRejectsStaleAccount(t *testing.T) {
	st := NewStore(storage.NewMemDB())
	addr := testAddr(0x12)

	ctx, err := st.AccountContext(addr)
	if err != nil {
		t.Fatalf("load context: %v", err)
	}
	ctx.NextSettleTime = 100 * Day
	if err := st.PutAccountContext(addr, ctx); err != nil {
		t.Fatalf("store context: %v", err)
	}
	if err := EnableBitmapForAccount(st, addr, 2, 200*Day); !errors.Is(err, ErrInvalidPortfolioState) {
		t.Fatalf("expected rejection for stale account, got %v", err)
	}
}

func TestAddAssetToPortfolioMerges(t *testing.T) {
	asset := PortfolioAsset{CurrencyID: 1, AssetType: AssetTypeFCash, Maturity: 100 * Day, Notional: big.NewInt(500)}

	assets, err := AddAssetToPortfolio(nil, asset)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(assets) != 1 || assets[0].StorageIndex != -1 || !assets[0].Dirty {
		t.Fatalf("appended asset not marked new: %+v", assets[0])
	}

	more := asset.Clone()
	more.Notional = big.NewInt(-200)
	assets, err = AddAssetToPortfolio(assets, more)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(assets) != 1 {
		t.Fatalf("merge created a duplicate slot: %d entries", len(assets))
	}
	if assets[0].Notional.Cmp(big.NewInt(300)) != 0 {
		t.Fatalf("merged notional: got %s want 300", assets[0].Notional)
	}

	// Different maturity occupies a new slot.
	other := asset.Clone()
	other.Maturity = 200 * Day
	assets, err = AddAssetToPortfolio(assets, other)
	if err != nil {
		t.Fatalf("append second maturity: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(assets))
	}
}

func TestStoreAssetsAndUpdateContext(t *testing.T) {
	st := NewStore(storage.NewMemDB())
	addr := testAddr(0x13)

	ctx, err := st.AccountContext(addr)
	if err != nil {
		t.Fatalf("load context: %v", err)
	}
	assets := []PortfolioAsset{
		{CurrencyID: 5, AssetType: AssetTypeFCash, Maturity: 300 * Day, Notional: big.NewInt(10), StorageIndex: -1, Dirty: true},
		{CurrencyID: 3, AssetType: AssetTypeFCash, Maturity: 100 * Day, Notional: big.NewInt(20), StorageIndex: -1, Dirty: true},
		{CurrencyID: 3, AssetType: AssetTypeFCash, Maturity: 200 * Day, Notional: big.NewInt(0), StorageIndex: -1, Dirty: true},
	}
	if err := StoreAssetsAndUpdateContext(st, addr, ctx, assets); err != nil {
		t.Fatalf("store assets: %v", err)
	}

	stored, err := st.Portfolio(addr)
	if err != nil {
		t.Fatalf("load portfolio: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("zero-notional slot survived: %d entries", len(stored))
	}
	if stored[0].CurrencyID != 3 || stored[1].CurrencyID != 5 {
		t.Fatalf("array not sorted by currency: %+v", stored)
	}
	if stored[0].StorageIndex != 0 || stored[1].StorageIndex != 1 {
		t.Fatalf("storage indexes not reassigned: %+v", stored)
	}

	if !ctx.ActiveCurrencies.IsBitSet(3) || !ctx.ActiveCurrencies.IsBitSet(5) {
		t.Fatalf("active bits not set for held currencies")
	}
	if ctx.NextSettleTime != 100*Day {
		t.Fatalf("next settle time: got %d want %d", ctx.NextSettleTime, 100*Day)
	}
}

func TestStoreAssetsClearsEmptiedCurrency(t *testing.T) {
	st := NewStore(storage.NewMemDB())
	addr := testAddr(0x14)

	ctx, err := st.AccountContext(addr)
	if err != nil {
		t.Fatalf("load context: %v", err)
	}
	assets := []PortfolioAsset{
		{CurrencyID: 3, AssetType: AssetTypeFCash, Maturity: 100 * Day, Notional: big.NewInt(20), StorageIndex: -1, Dirty: true},
	}
	if err := StoreAssetsAndUpdateContext(st, addr, ctx, assets); err != nil {
		t.Fatalf("store assets: %v", err)
	}
	if !ctx.ActiveCurrencies.IsBitSet(3) {
		t.Fatalf("currency 3 should be active")
	}

	// Zeroing the only asset clears the bit when no balance remains.
	assets[0].Notional = big.NewInt(0)
	if err := StoreAssetsAndUpdateContext(st, addr, ctx, assets); err != nil {
		t.Fatalf("store zeroed assets: %v", err)
	}
	if ctx.ActiveCurrencies.IsBitSet(3) {
		t.Fatalf("currency 3 should have been deactivated")
	}
	if ctx.NextSettleTime != 0 {
		t.Fatalf("next settle time should reset, got %d", ctx.NextSettleTime)
	}

	// With a cash balance left, the bit stays set.
	if err := st.PutBalance(addr, 4, big.NewInt(100), big.NewInt(0)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	assets = []PortfolioAsset{
		{CurrencyID: 4, AssetType: AssetTypeFCash, Maturity: 100 * Day, Notional: big.NewInt(0), StorageIndex: -1, Dirty: true},
	}
	if err := StoreAssetsAndUpdateContext(st, addr, ctx, assets); err != nil {
		t.Fatalf("store assets with balance: %v", err)
	}
	if ctx.ActiveCurrencies.IsBitSet(4) {
		// The bit was never set, and an all-zero submission must not set it;
		// but a pre-set bit with a balance must survive. Exercise that next.
		t.Fatalf("unexpected active bit for currency 4")
	}
	if err := ctx.ActiveCurrencies.SetBit(4, true); err != nil {
		t.Fatalf("set bit: %v", err)
	}
	if err := StoreAssetsAndUpdateContext(st, addr, ctx, assets); err != nil {
		t.Fatalf("re-store assets: %v", err)
	}
	if !ctx.ActiveCurrencies.IsBitSet(4) {
		t.Fatalf("currency 4 with a balance must stay active")
	}
}

func TestStoreAssetsRejectsInvalid(t *testing.T) {
	st := NewStore(storage.NewMemDB())
	addr := testAddr(0x15)

	ctx, err := st.AccountContext(addr)
	if err != nil {
		t.Fatalf("load context: %v", err)
	}

	duplicates := []PortfolioAsset{
		{CurrencyID: 3, AssetType: AssetTypeFCash, Maturity: 100 * Day, Notional: big.NewInt(1)},
		{CurrencyID: 3, AssetType: AssetTypeFCash, Maturity: 100 * Day, Notional: big.NewInt(2)},
	}
	if err := StoreAssetsAndUpdateContext(st, addr, ctx, duplicates); !errors.Is(err, ErrInvalidPortfolioState) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}

	if err := EnableBitmapForAccount(st, addr, 7, 1_600_000_000); err != nil {
		t.Fatalf("enable bitmap: %v", err)
	}
	ctx, err = st.AccountContext(addr)
	if err != nil {
		t.Fatalf("reload context: %v", err)
	}
	bitmapDense := []PortfolioAsset{
		{CurrencyID: 7, AssetType: AssetTypeFCash, Maturity: 100 * Day, Notional: big.NewInt(1)},
	}
	if err := StoreAssetsAndUpdateContext(st, addr, ctx, bitmapDense); !errors.Is(err, ErrInvalidPortfolioState) {
		t.Fatalf("expected bitmap-currency rejection, got %v", err)
	}
}

func TestNextSettleTimeConsidersBitmap(t *testing.T) {
	st := NewStore(storage.NewMemDB())
	addr := testAddr(0x16)
	blockTime := uint64(1_600_000_000)

	if err := EnableBitmapForAccount(st, addr, 7, blockTime); err != nil {
		t.Fatalf("enable bitmap: %v", err)
	}
	ctx, err := st.AccountContext(addr)
	if err != nil {
		t.Fatalf("load context: %v", err)
	}

	bitmap := &Bitmap{}
	if err := bitmap.SetBit(5, true); err != nil {
		t.Fatalf("set bit: %v", err)
	}
	if err := st.PutAssetsBitmap(addr, 7, bitmap); err != nil {
		t.Fatalf("store bitmap: %v", err)
	}

	if err := StoreAssetsAndUpdateContext(st, addr, ctx, nil); err != nil {
		t.Fatalf("update context: %v", err)
	}
	want, err := MaturityFromBitNum(ctx.BitmapReferenceTime, 5)
	if err != nil {
		t.Fatalf("maturity: %v", err)
	}
	if ctx.NextSettleTime != want {
		t.Fatalf("next settle time: got %d want %d", ctx.NextSettleTime, want)
	}
}

package portfolio

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"notional/storage"
)

func testAddr(suffix byte) common.Address {
	var addr common.Address
	addr[len(addr)-1] = suffix
	return addr
}

func TestStoreAccountContextRoundTrip(t *testing.T) {
	st := NewStore(storage.NewMemDB())
	addr := testAddr(0x01)

	ctx, err := st.AccountContext(addr)
	if err != nil {
		t.Fatalf("load empty context: %v", err)
	}
	if ctx.HasBitmapPortfolio || ctx.NextSettleTime != 0 || !ctx.ActiveCurrencies.IsZero() {
		t.Fatalf("unknown account must yield an empty context")
	}

	ctx.HasBitmapPortfolio = true
	ctx.BitmapCurrencyID = 4
	ctx.BitmapReferenceTime = TimeUTC0(1_600_000_000)
	ctx.NextSettleTime = 1_700_000_000
	if err := ctx.ActiveCurrencies.SetBit(4, true); err != nil {
		t.Fatalf("set bit: %v", err)
	}
	if err := st.PutAccountContext(addr, ctx); err != nil {
		t.Fatalf("store context: %v", err)
	}

	loaded, err := st.AccountContext(addr)
	if err != nil {
		t.Fatalf("reload context: %v", err)
	}
	if !loaded.HasBitmapPortfolio || loaded.BitmapCurrencyID != 4 {
		t.Fatalf("bitmap designation lost: %+v", loaded)
	}
	if loaded.BitmapReferenceTime != ctx.BitmapReferenceTime || loaded.NextSettleTime != ctx.NextSettleTime {
		t.Fatalf("timestamps lost: %+v", loaded)
	}
	if !loaded.ActiveCurrencies.IsBitSet(4) {
		t.Fatalf("active currency bit lost")
	}
}

func TestStoreRejectsInvalidContext(t *testing.T) {
	st := NewStore(storage.NewMemDB())
	ctx := &AccountContext{HasBitmapPortfolio: true}
	if err := st.PutAccountContext(testAddr(0x02), ctx); !errors.Is(err, ErrStorageInvariant) {
		t.Fatalf("expected storage invariant error, got %v", err)
	}

	ctx = &AccountContext{BitmapCurrencyID: 3}
	if err := st.PutAccountContext(testAddr(0x02), ctx); !errors.Is(err, ErrStorageInvariant) {
		t.Fatalf("expected storage invariant error for orphan currency id, got %v", err)
	}
}

func TestStorePortfolioRoundTrip(t *testing.T) {
	st := NewStore(storage.NewMemDB())
	addr := testAddr(0x03)

	assets := []PortfolioAsset{
		{CurrencyID: 1, AssetType: AssetTypeFCash, Maturity: 100 * Day, Notional: big.NewInt(-1_000_000)},
		{CurrencyID: 2, AssetType: AssetTypeLiquidityToken, Maturity: 180 * Day, Notional: big.NewInt(500)},
	}
	if err := st.PutPortfolio(addr, assets); err != nil {
		t.Fatalf("store portfolio: %v", err)
	}

	loaded, err := st.Portfolio(addr)
	if err != nil {
		t.Fatalf("load portfolio: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(loaded))
	}
	if loaded[0].Notional.Cmp(big.NewInt(-1_000_000)) != 0 {
		t.Fatalf("negative notional lost: %s", loaded[0].Notional)
	}
	if loaded[0].StorageIndex != 0 || loaded[1].StorageIndex != 1 {
		t.Fatalf("storage indexes not assigned: %+v", loaded)
	}
	if loaded[1].AssetType != AssetTypeLiquidityToken {
		t.Fatalf("asset type lost: %v", loaded[1].AssetType)
	}

	if err := st.PutPortfolio(addr, nil); err != nil {
		t.Fatalf("delete portfolio: %v", err)
	}
	loaded, err = st.Portfolio(addr)
	if err != nil {
		t.Fatalf("load deleted portfolio: %v", err)
	}
	if loaded != nil {
		t.Fatalf("expected empty portfolio after delete, got %d assets", len(loaded))
	}
}

func TestStoreIfCashZeroDeletes(t *testing.T) {
	db := storage.NewMemDB()
	st := NewStore(db)
	addr := testAddr(0x04)

	if err := st.PutIfCash(addr, 1, 100*Day, big.NewInt(-42)); err != nil {
		t.Fatalf("store ifCash: %v", err)
	}
	notional, err := st.IfCash(addr, 1, 100*Day)
	if err != nil {
		t.Fatalf("load ifCash: %v", err)
	}
	if notional.Cmp(big.NewInt(-42)) != 0 {
		t.Fatalf("unexpected notional: %s", notional)
	}

	if err := st.PutIfCash(addr, 1, 100*Day, big.NewInt(0)); err != nil {
		t.Fatalf("clear ifCash: %v", err)
	}
	if db.Len() != 0 {
		t.Fatalf("zero notional must delete the record, %d keys remain", db.Len())
	}
	notional, err = st.IfCash(addr, 1, 100*Day)
	if err != nil {
		t.Fatalf("load cleared ifCash: %v", err)
	}
	if notional.Sign() != 0 {
		t.Fatalf("expected zero after clear, got %s", notional)
	}
}

func TestStoreBalance(t *testing.T) {
	db := storage.NewMemDB()
	st := NewStore(db)
	addr := testAddr(0x05)

	if err := st.PutBalance(addr, 1, big.NewInt(-250), big.NewInt(10)); err != nil {
		t.Fatalf("store balance: %v", err)
	}
	cash, nToken, err := st.Balance(addr, 1)
	if err != nil {
		t.Fatalf("load balance: %v", err)
	}
	if cash.Cmp(big.NewInt(-250)) != 0 || nToken.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected balance: cash %s nToken %s", cash, nToken)
	}

	if err := st.PutBalance(addr, 1, big.NewInt(1), big.NewInt(-1)); !errors.Is(err, ErrStorageInvariant) {
		t.Fatalf("expected invariant error for negative nToken, got %v", err)
	}

	if err := st.PutBalance(addr, 1, big.NewInt(0), big.NewInt(0)); err != nil {
		t.Fatalf("clear balance: %v", err)
	}
	if db.Len() != 0 {
		t.Fatalf("zero balance must delete the record, %d keys remain", db.Len())
	}
}

func TestStoreMarketRoundTrip(t *testing.T) {
	st := NewStore(storage.NewMemDB())

	missing, err := st.Market(1, 90*Day)
	if err != nil {
		t.Fatalf("load missing market: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for uninitialised market")
	}

	market := &Market{
		CurrencyID:        1,
		Maturity:          90 * Day,
		TotalFCash:        big.NewInt(-2_000),
		TotalAssetCash:    big.NewInt(5_000),
		TotalLiquidity:    big.NewInt(3_000),
		LastImpliedRate:   123,
		OracleRate:        456,
		PreviousTradeTime: 789,
	}
	if err := st.PutMarket(market); err != nil {
		t.Fatalf("store market: %v", err)
	}
	loaded, err := st.Market(1, 90*Day)
	if err != nil {
		t.Fatalf("load market: %v", err)
	}
	if loaded.TotalFCash.Cmp(market.TotalFCash) != 0 ||
		loaded.TotalAssetCash.Cmp(market.TotalAssetCash) != 0 ||
		loaded.TotalLiquidity.Cmp(market.TotalLiquidity) != 0 {
		t.Fatalf("market totals lost: %+v", loaded)
	}
	if loaded.LastImpliedRate != 123 || loaded.OracleRate != 456 || loaded.PreviousTradeTime != 789 {
		t.Fatalf("market rates lost: %+v", loaded)
	}
}

func TestStoreSettlementRate(t *testing.T) {
	st := NewStore(storage.NewMemDB())

	missing, err := st.SettlementRate(1, 90*Day)
	if err != nil {
		t.Fatalf("load missing rate: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil before first capture")
	}

	rate := &SettlementRate{Rate: big.NewInt(2 * RatePrecision), Decimals: 9, Timestamp: 1_600_000_000}
	if err := st.PutSettlementRate(1, 90*Day, rate); err != nil {
		t.Fatalf("store rate: %v", err)
	}
	loaded, err := st.SettlementRate(1, 90*Day)
	if err != nil {
		t.Fatalf("load rate: %v", err)
	}
	if loaded.Rate.Cmp(rate.Rate) != 0 || loaded.Decimals != 9 || loaded.Timestamp != rate.Timestamp {
		t.Fatalf("settlement rate lost: %+v", loaded)
	}

	if err := st.PutSettlementRate(1, 90*Day, &SettlementRate{Rate: big.NewInt(0)}); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected invalid rate, got %v", err)
	}

	// Rates above 48 bits persist through the packed form: low bits drop,
	// so the reload is never above the captured rate and the loss stays
	// under one mantissa step.
	wide := new(big.Int).Or(new(big.Int).Lsh(big.NewInt(1), 50), big.NewInt(3))
	if err := st.PutSettlementRate(2, 90*Day, &SettlementRate{Rate: wide, Decimals: 9, Timestamp: 1}); err != nil {
		t.Fatalf("store wide rate: %v", err)
	}
	reloaded, err := st.SettlementRate(2, 90*Day)
	if err != nil {
		t.Fatalf("load wide rate: %v", err)
	}
	if reloaded.Rate.Cmp(wide) > 0 {
		t.Fatalf("packed rate rounded up: %s > %s", reloaded.Rate, wide)
	}
	loss := new(big.Int).Sub(wide, reloaded.Rate)
	if loss.Cmp(big.NewInt(8)) >= 0 {
		t.Fatalf("packed rate lost more than a mantissa step: %s", loss)
	}
}

func TestTxnCommitAndDiscard(t *testing.T) {
	db := storage.NewMemDB()

	txn := NewTxn(db)
	if err := txn.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := txn.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Staged writes are visible through the transaction but not below it.
	if got, err := txn.Get([]byte("a")); err != nil || string(got) != "1" {
		t.Fatalf("staged read: %v %q", err, got)
	}
	if _, err := db.Get([]byte("a")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Fatalf("staged write leaked to the database")
	}
	txn.Discard()
	if txn.Pending() != 0 {
		t.Fatalf("discard left %d pending writes", txn.Pending())
	}
	if db.Len() != 0 {
		t.Fatalf("discard wrote %d keys", db.Len())
	}

	txn = NewTxn(db)
	if err := txn.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := txn.Delete([]byte("ghost")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := txn.Get([]byte("ghost")); !errors.Is(err, storage.ErrKeyNotFound) {
		t.Fatalf("staged delete must read as missing")
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got, err := db.Get([]byte("a")); err != nil || string(got) != "1" {
		t.Fatalf("committed value missing: %v %q", err, got)
	}
	if txn.Pending() != 0 {
		t.Fatalf("commit left %d pending writes", txn.Pending())
	}
}

func TestTxnOverlaysExistingValues(t *testing.T) {
	db := storage.NewMemDB()
	if err := db.Put([]byte("k"), []byte("old")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	txn := NewTxn(db)
	if got, err := txn.Get([]byte("k")); err != nil || string(got) != "old" {
		t.Fatalf("fallthrough read: %v %q", err, got)
	}
	if err := txn.Put([]byte("k"), []byte("new")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got, err := txn.Get([]byte("k")); err != nil || string(got) != "new" {
		t.Fatalf("overlay read: %v %q", err, got)
	}
	if got, err := db.Get([]byte("k")); err != nil || string(got) != "old" {
		t.Fatalf("underlying value changed before commit: %v %q", err, got)
	}
}

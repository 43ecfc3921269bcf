package portfolio

import (
	"encoding/binary"
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"notional/storage"
)

// State is the persistence boundary of the accounting core. Every read copies
// out and every write replaces the whole record; callers never hold aliased
// views of stored data.
type State interface {
	AccountContext(addr common.Address) (*AccountContext, error)
	PutAccountContext(addr common.Address, ctx *AccountContext) error

	Portfolio(addr common.Address) ([]PortfolioAsset, error)
	PutPortfolio(addr common.Address, assets []PortfolioAsset) error

	AssetsBitmap(addr common.Address, currencyID uint16) (*Bitmap, error)
	PutAssetsBitmap(addr common.Address, currencyID uint16, bitmap *Bitmap) error

	IfCash(addr common.Address, currencyID uint16, maturity uint64) (*big.Int, error)
	PutIfCash(addr common.Address, currencyID uint16, maturity uint64, notional *big.Int) error

	Balance(addr common.Address, currencyID uint16) (cash *big.Int, nToken *big.Int, err error)
	PutBalance(addr common.Address, currencyID uint16, cash, nToken *big.Int) error

	Market(currencyID uint16, maturity uint64) (*Market, error)
	PutMarket(market *Market) error

	SettlementRate(currencyID uint16, maturity uint64) (*SettlementRate, error)
	PutSettlementRate(currencyID uint16, maturity uint64, rate *SettlementRate) error
}

var (
	ctxPrefix        = []byte("portfolio:ctx:")
	assetsPrefix     = []byte("portfolio:assets:")
	bitmapPrefix     = []byte("portfolio:bitmap:")
	ifCashPrefix     = []byte("portfolio:ifcash:")
	balancePrefix    = []byte("portfolio:balance:")
	marketPrefix     = []byte("portfolio:market:")
	settleRatePrefix = []byte("portfolio:settlerate:")
)

func hashKey(prefix []byte, parts ...[]byte) []byte {
	buf := append([]byte(nil), prefix...)
	for _, part := range parts {
		buf = append(buf, part...)
	}
	return ethcrypto.Keccak256(buf)
}

func currencyBytes(currencyID uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, currencyID)
	return buf
}

func maturityBytes(maturity uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, maturity)
	return buf
}

// RLP cannot encode negative big integers, so signed quantities persist as a
// sign flag plus magnitude.
type storedSigned struct {
	Neg bool
	Abs *big.Int
}

func toStoredSigned(value *big.Int) storedSigned {
	if value == nil {
		return storedSigned{Abs: big.NewInt(0)}
	}
	return storedSigned{Neg: value.Sign() < 0, Abs: new(big.Int).Abs(value)}
}

func (s storedSigned) value() *big.Int {
	if s.Abs == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Set(s.Abs)
	if s.Neg {
		out.Neg(out)
	}
	return out
}

type storedContext struct {
	ActiveCurrencies    []byte
	HasBitmapPortfolio  bool
	BitmapCurrencyID    uint16
	BitmapReferenceTime uint64
	NextSettleTime      uint64
}

type storedAsset struct {
	CurrencyID uint16
	AssetType  uint8
	Maturity   uint64
	Notional   storedSigned
}

type storedBalance struct {
	Cash   storedSigned
	NToken *big.Int
}

type storedMarket struct {
	CurrencyID        uint16
	Maturity          uint64
	TotalFCash        storedSigned
	TotalAssetCash    *big.Int
	TotalLiquidity    *big.Int
	LastImpliedRate   uint64
	OracleRate        uint64
	PreviousTradeTime uint64
}

// storedSettlementRate persists the rate in the packed 56-bit form. Rates
// below 2^48 round-trip exactly; larger rates drop low bits toward zero, so
// a reloaded rate is never above the captured one.
type storedSettlementRate struct {
	Rate      uint64
	Decimals  uint8
	Timestamp uint64
}

// Store implements State over a key-value Database using keccak-hashed
// prefixed keys and RLP-encoded records.
type Store struct {
	db storage.Database
}

// NewStore wraps a database in the typed state accessor.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) load(key []byte, out interface{}) (bool, error) {
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) save(key []byte, record interface{}) error {
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return err
	}
	return s.db.Put(key, encoded)
}

// AccountContext loads the account header, returning an empty context for an
// unknown account.
func (s *Store) AccountContext(addr common.Address) (*AccountContext, error) {
	record := new(storedContext)
	found, err := s.load(hashKey(ctxPrefix, addr.Bytes()), record)
	if err != nil {
		return nil, err
	}
	ctx := &AccountContext{
		HasBitmapPortfolio:  record.HasBitmapPortfolio,
		BitmapCurrencyID:    record.BitmapCurrencyID,
		BitmapReferenceTime: record.BitmapReferenceTime,
		NextSettleTime:      record.NextSettleTime,
	}
	if found {
		ctx.ActiveCurrencies.SetBytes(record.ActiveCurrencies)
	}
	return ctx, nil
}

// PutAccountContext persists the account header after validating the bitmap
// designation invariant.
func (s *Store) PutAccountContext(addr common.Address, ctx *AccountContext) error {
	if err := ctx.Validate(); err != nil {
		return err
	}
	record := storedContext{
		ActiveCurrencies:    ctx.ActiveCurrencies.Bytes(),
		HasBitmapPortfolio:  ctx.HasBitmapPortfolio,
		BitmapCurrencyID:    ctx.BitmapCurrencyID,
		BitmapReferenceTime: ctx.BitmapReferenceTime,
		NextSettleTime:      ctx.NextSettleTime,
	}
	return s.save(hashKey(ctxPrefix, addr.Bytes()), record)
}

// Portfolio loads the dense asset array in storage order.
func (s *Store) Portfolio(addr common.Address) ([]PortfolioAsset, error) {
	var records []storedAsset
	found, err := s.load(hashKey(assetsPrefix, addr.Bytes()), &records)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	assets := make([]PortfolioAsset, 0, len(records))
	for i, record := range records {
		assets = append(assets, PortfolioAsset{
			CurrencyID:   record.CurrencyID,
			AssetType:    AssetType(record.AssetType),
			Maturity:     record.Maturity,
			Notional:     record.Notional.value(),
			StorageIndex: i,
		})
	}
	return assets, nil
}

// PutPortfolio replaces the dense asset array. An empty array deletes the
// record.
func (s *Store) PutPortfolio(addr common.Address, assets []PortfolioAsset) error {
	key := hashKey(assetsPrefix, addr.Bytes())
	if len(assets) == 0 {
		return s.db.Delete(key)
	}
	records := make([]storedAsset, 0, len(assets))
	for i := range assets {
		asset := &assets[i]
		records = append(records, storedAsset{
			CurrencyID: asset.CurrencyID,
			AssetType:  uint8(asset.AssetType),
			Maturity:   asset.Maturity,
			Notional:   toStoredSigned(asset.Notional),
		})
	}
	return s.save(key, records)
}

// AssetsBitmap loads the per-currency maturity bitmap.
func (s *Store) AssetsBitmap(addr common.Address, currencyID uint16) (*Bitmap, error) {
	data, err := s.db.Get(hashKey(bitmapPrefix, addr.Bytes(), currencyBytes(currencyID)))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &Bitmap{}, nil
	}
	if err != nil {
		return nil, err
	}
	bitmap := &Bitmap{}
	bitmap.SetBytes(data)
	return bitmap, nil
}

// PutAssetsBitmap stores the per-currency maturity bitmap; an empty bitmap
// deletes the record.
func (s *Store) PutAssetsBitmap(addr common.Address, currencyID uint16, bitmap *Bitmap) error {
	key := hashKey(bitmapPrefix, addr.Bytes(), currencyBytes(currencyID))
	if bitmap == nil || bitmap.IsZero() {
		return s.db.Delete(key)
	}
	return s.db.Put(key, bitmap.Bytes())
}

// IfCash loads the sparse notional for one bitmap maturity; zero when absent.
func (s *Store) IfCash(addr common.Address, currencyID uint16, maturity uint64) (*big.Int, error) {
	record := new(storedSigned)
	found, err := s.load(hashKey(ifCashPrefix, addr.Bytes(), currencyBytes(currencyID), maturityBytes(maturity)), record)
	if err != nil {
		return nil, err
	}
	if !found {
		return big.NewInt(0), nil
	}
	return record.value(), nil
}

// PutIfCash stores the sparse notional; zero deletes the slot.
func (s *Store) PutIfCash(addr common.Address, currencyID uint16, maturity uint64, notional *big.Int) error {
	key := hashKey(ifCashPrefix, addr.Bytes(), currencyBytes(currencyID), maturityBytes(maturity))
	if notional == nil || notional.Sign() == 0 {
		return s.db.Delete(key)
	}
	return s.save(key, toStoredSigned(notional))
}

// Balance loads the (cash, nToken) pair for a currency; zeros when absent.
func (s *Store) Balance(addr common.Address, currencyID uint16) (*big.Int, *big.Int, error) {
	record := new(storedBalance)
	found, err := s.load(hashKey(balancePrefix, addr.Bytes(), currencyBytes(currencyID)), record)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return big.NewInt(0), big.NewInt(0), nil
	}
	nToken := big.NewInt(0)
	if record.NToken != nil {
		nToken.Set(record.NToken)
	}
	return record.Cash.value(), nToken, nil
}

// PutBalance stores the balance pair; a fully zero balance deletes the
// record.
func (s *Store) PutBalance(addr common.Address, currencyID uint16, cash, nToken *big.Int) error {
	key := hashKey(balancePrefix, addr.Bytes(), currencyBytes(currencyID))
	if (cash == nil || cash.Sign() == 0) && (nToken == nil || nToken.Sign() == 0) {
		return s.db.Delete(key)
	}
	if nToken != nil && nToken.Sign() < 0 {
		return ErrStorageInvariant
	}
	record := storedBalance{Cash: toStoredSigned(cash), NToken: big.NewInt(0)}
	if nToken != nil {
		record.NToken = new(big.Int).Set(nToken)
	}
	return s.save(key, record)
}

// Market loads the pool record for a (currency, maturity) pair; nil when the
// market has not been initialised.
func (s *Store) Market(currencyID uint16, maturity uint64) (*Market, error) {
	record := new(storedMarket)
	found, err := s.load(hashKey(marketPrefix, currencyBytes(currencyID), maturityBytes(maturity)), record)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	market := &Market{
		CurrencyID:        record.CurrencyID,
		Maturity:          record.Maturity,
		TotalFCash:        record.TotalFCash.value(),
		TotalAssetCash:    new(big.Int).Set(record.TotalAssetCash),
		TotalLiquidity:    new(big.Int).Set(record.TotalLiquidity),
		LastImpliedRate:   record.LastImpliedRate,
		OracleRate:        record.OracleRate,
		PreviousTradeTime: record.PreviousTradeTime,
	}
	return market, nil
}

// PutMarket stores the pool record.
func (s *Store) PutMarket(market *Market) error {
	if market == nil {
		return ErrStorageInvariant
	}
	market.ensureDefaults()
	record := storedMarket{
		CurrencyID:        market.CurrencyID,
		Maturity:          market.Maturity,
		TotalFCash:        toStoredSigned(market.TotalFCash),
		TotalAssetCash:    new(big.Int).Set(market.TotalAssetCash),
		TotalLiquidity:    new(big.Int).Set(market.TotalLiquidity),
		LastImpliedRate:   market.LastImpliedRate,
		OracleRate:        market.OracleRate,
		PreviousTradeTime: market.PreviousTradeTime,
	}
	return s.save(hashKey(marketPrefix, currencyBytes(market.CurrencyID), maturityBytes(market.Maturity)), record)
}

// SettlementRate loads the canonical rate for a matured (currency, maturity)
// pair; nil when none has been captured yet.
func (s *Store) SettlementRate(currencyID uint16, maturity uint64) (*SettlementRate, error) {
	record := new(storedSettlementRate)
	found, err := s.load(hashKey(settleRatePrefix, currencyBytes(currencyID), maturityBytes(maturity)), record)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &SettlementRate{
		Rate:      UnpackFrom56Bits(record.Rate),
		Decimals:  record.Decimals,
		Timestamp: record.Timestamp,
	}, nil
}

// PutSettlementRate captures the canonical rate for a matured maturity.
func (s *Store) PutSettlementRate(currencyID uint16, maturity uint64, rate *SettlementRate) error {
	if rate == nil || rate.Rate == nil || rate.Rate.Sign() <= 0 {
		return ErrInvalidRate
	}
	packed, err := PackTo56Bits(rate.Rate)
	if err != nil {
		return err
	}
	record := storedSettlementRate{
		Rate:      packed,
		Decimals:  rate.Decimals,
		Timestamp: rate.Timestamp,
	}
	return s.save(hashKey(settleRatePrefix, currencyBytes(currencyID), maturityBytes(maturity)), record)
}

// --- staged transaction ---

// Txn buffers writes on top of a Database and flushes them in a single
// deterministic pass. An action either commits its whole write set or
// discards it; intermediate state is never visible to the underlying store.
type Txn struct {
	db storage.Database
	// writes stages pending values; a nil entry marks a pending delete.
	writes map[string][]byte
}

// NewTxn opens a staged transaction over the database.
func NewTxn(db storage.Database) *Txn {
	return &Txn{db: db, writes: make(map[string][]byte)}
}

func (t *Txn) Get(key []byte) ([]byte, error) {
	if value, ok := t.writes[string(key)]; ok {
		if value == nil {
			return nil, storage.ErrKeyNotFound
		}
		return append([]byte(nil), value...), nil
	}
	return t.db.Get(key)
}

func (t *Txn) Put(key []byte, value []byte) error {
	t.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

func (t *Txn) Delete(key []byte) error {
	t.writes[string(key)] = nil
	return nil
}

// Close satisfies storage.Database; the transaction owns no resources.
func (t *Txn) Close() error { return nil }

// Pending reports the number of staged writes.
func (t *Txn) Pending() int { return len(t.writes) }

// Commit flushes the staged writes to the underlying database in sorted key
// order and clears the stage.
func (t *Txn) Commit() error {
	keys := make([]string, 0, len(t.writes))
	for key := range t.writes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := t.writes[key]
		if value == nil {
			if err := t.db.Delete([]byte(key)); err != nil {
				return err
			}
			continue
		}
		if err := t.db.Put([]byte(key), value); err != nil {
			return err
		}
	}
	t.writes = make(map[string][]byte)
	return nil
}

// Discard drops the staged writes without touching the database.
func (t *Txn) Discard() {
	t.writes = make(map[string][]byte)
}

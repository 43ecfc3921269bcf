package portfolio

import (
	"math/big"
	"math/bits"

	"github.com/holiman/uint256"
)

// MaxBitNum is the highest addressable bit in a Bitmap.
const MaxBitNum = 256

// Bitmap is a 256-bit set with 1-indexed big-endian bit numbering: bit 1 is
// the most significant bit of the underlying word. Bit numbers map to the
// nearest maturities first, so the most significant set bit identifies the
// earliest slot in use.
type Bitmap struct {
	bits uint256.Int
}

func bitMask(bitNum uint) (*uint256.Int, error) {
	if bitNum < 1 || bitNum > MaxBitNum {
		return nil, ErrBitOutOfRange
	}
	mask := uint256.NewInt(1)
	return mask.Lsh(mask, MaxBitNum-bitNum), nil
}

// SetBit sets or clears the 1-indexed bit.
func (b *Bitmap) SetBit(bitNum uint, enabled bool) error {
	mask, err := bitMask(bitNum)
	if err != nil {
		return err
	}
	if enabled {
		b.bits.Or(&b.bits, mask)
	} else {
		b.bits.And(&b.bits, mask.Not(mask))
	}
	return nil
}

// IsBitSet reports whether the 1-indexed bit is set. Out-of-range bit numbers
// report false.
func (b *Bitmap) IsBitSet(bitNum uint) bool {
	mask, err := bitMask(bitNum)
	if err != nil {
		return false
	}
	return !new(uint256.Int).And(&b.bits, mask).IsZero()
}

// TotalBitsSet returns the population count.
func (b *Bitmap) TotalBitsSet() int {
	total := 0
	for _, word := range b.bits {
		total += bits.OnesCount64(word)
	}
	return total
}

// IsZero reports whether no bits are set.
func (b *Bitmap) IsZero() bool {
	return b.bits.IsZero()
}

// MSB returns the bit number of the most significant set bit, i.e. the lowest
// bit number in use. Precondition: the bitmap must not be empty.
func (b *Bitmap) MSB() (uint, error) {
	if b.bits.IsZero() {
		return 0, ErrEmptyBitmap
	}
	return uint(MaxBitNum + 1 - b.bits.BitLen()), nil
}

// NextBitNum returns the bit number of the most significant set bit and a
// copy of the bitmap with that bit cleared. Clearing the returned bit always
// yields a strictly smaller word since no more significant bit remains.
func (b *Bitmap) NextBitNum() (uint, *Bitmap, error) {
	bitNum, err := b.MSB()
	if err != nil {
		return 0, nil, err
	}
	rest := &Bitmap{bits: *new(uint256.Int).Set(&b.bits)}
	if err := rest.SetBit(bitNum, false); err != nil {
		return 0, nil, err
	}
	return bitNum, rest, nil
}

// ForEachSetBit visits set bits in ascending bit-number order (earliest slot
// first). The walk stops when fn returns false.
func (b *Bitmap) ForEachSetBit(fn func(bitNum uint) bool) {
	remaining := Bitmap{bits: *new(uint256.Int).Set(&b.bits)}
	for !remaining.bits.IsZero() {
		bitNum, rest, err := remaining.NextBitNum()
		if err != nil {
			return
		}
		if !fn(bitNum) {
			return
		}
		remaining = *rest
	}
}

// Bytes returns the 32-byte big-endian representation for storage.
func (b *Bitmap) Bytes() []byte {
	raw := b.bits.Bytes32()
	return raw[:]
}

// SetBytes restores a bitmap from its stored big-endian form.
func (b *Bitmap) SetBytes(data []byte) {
	b.bits.SetBytes(data)
}

// Equal reports bitwise equality.
func (b *Bitmap) Equal(other *Bitmap) bool {
	return b.bits.Eq(&other.bits)
}

// Clone returns an independent copy.
func (b *Bitmap) Clone() *Bitmap {
	return &Bitmap{bits: *new(uint256.Int).Set(&b.bits)}
}

// PackTo56Bits encodes a non-negative value into a 56-bit floating format:
// 48 bits of mantissa and an 8-bit left-shift amount. Values below 2^48
// round-trip exactly; larger values are truncated from the bottom, so the
// decoded value never exceeds the original and the loss is below 2^shift.
func PackTo56Bits(value *big.Int) (uint64, error) {
	if value == nil || value.Sign() < 0 {
		return 0, ErrArithmeticOverflow
	}
	bitLen := value.BitLen()
	if bitLen <= 48 {
		return value.Uint64(), nil
	}
	shift := uint(bitLen - 48)
	if shift > 0xff {
		return 0, ErrArithmeticOverflow
	}
	mantissa := new(big.Int).Rsh(value, shift)
	return mantissa.Uint64() | uint64(shift)<<48, nil
}

// UnpackFrom56Bits decodes a value packed with PackTo56Bits.
func UnpackFrom56Bits(packed uint64) *big.Int {
	mantissa := new(big.Int).SetUint64(packed & maxPackedMantissa.Uint64())
	shift := uint(packed >> 48)
	return mantissa.Lsh(mantissa, shift)
}

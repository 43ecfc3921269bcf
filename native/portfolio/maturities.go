package portfolio

// Time constants for the maturity bitmap. A week is six days and a month is
// five weeks so that every bucket is an exact multiple of the one below it.
const (
	Day     uint64 = 86400
	Week           = Day * 6
	Month          = Week * 5
	Quarter        = Month * 3
)

// Bucket boundaries of the tiered maturity encoding. Bits 1-90 cover one day
// each, bits 91-135 one week, bits 136-195 one month and bits 196-256 one
// quarter, for a horizon of 7650 days.
const (
	maxDayBit   uint = 90
	maxWeekBit  uint = 135
	maxMonthBit uint = 195

	maxDayOffset     uint64 = 90
	maxWeekOffset    uint64 = 360
	maxMonthOffset   uint64 = 2160
	maxQuarterOffset uint64 = 7650
)

// TimeUTC0 truncates a timestamp to its UTC day boundary.
func TimeUTC0(t uint64) uint64 {
	return t - t%Day
}

// BitNumFromMaturity maps a maturity to its 1-indexed bit position relative
// to the reference time. Maturities must sit on a day boundary and, at
// increasing distance from the reference, on the week/month/quarter
// granularity of their bucket; anything else is rejected rather than rounded.
func BitNumFromMaturity(referenceTime, maturity uint64) (uint, error) {
	refUTC0 := TimeUTC0(referenceTime)
	if maturity%Day != 0 {
		return 0, ErrInvalidMaturity
	}
	if maturity <= refUTC0 {
		return 0, ErrInvalidMaturity
	}
	daysOffset := (maturity - refUTC0) / Day

	switch {
	case daysOffset <= maxDayOffset:
		return uint(daysOffset), nil
	case daysOffset <= maxWeekOffset:
		if (daysOffset-maxDayOffset)%6 != 0 {
			return 0, ErrInvalidMaturity
		}
		return maxDayBit + uint((daysOffset-maxDayOffset)/6), nil
	case daysOffset <= maxMonthOffset:
		if (daysOffset-maxWeekOffset)%30 != 0 {
			return 0, ErrInvalidMaturity
		}
		return maxWeekBit + uint((daysOffset-maxWeekOffset)/30), nil
	case daysOffset <= maxQuarterOffset:
		if (daysOffset-maxMonthOffset)%90 != 0 {
			return 0, ErrInvalidMaturity
		}
		return maxMonthBit + uint((daysOffset-maxMonthOffset)/90), nil
	default:
		return 0, ErrInvalidMaturity
	}
}

// MaturityFromBitNum is the inverse of BitNumFromMaturity: it computes the
// wall-clock maturity occupying the given bit relative to the reference time.
// The mapping is monotonic in the bit number.
func MaturityFromBitNum(referenceTime uint64, bitNum uint) (uint64, error) {
	if bitNum < 1 || bitNum > MaxBitNum {
		return 0, ErrBitOutOfRange
	}
	refUTC0 := TimeUTC0(referenceTime)
	switch {
	case bitNum <= maxDayBit:
		return refUTC0 + uint64(bitNum)*Day, nil
	case bitNum <= maxWeekBit:
		return refUTC0 + maxDayOffset*Day + uint64(bitNum-maxDayBit)*Week, nil
	case bitNum <= maxMonthBit:
		return refUTC0 + maxWeekOffset*Day + uint64(bitNum-maxWeekBit)*Month, nil
	default:
		return refUTC0 + maxMonthOffset*Day + uint64(bitNum-maxMonthBit)*Quarter, nil
	}
}

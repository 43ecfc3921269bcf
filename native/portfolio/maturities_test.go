package portfolio

import (
	"errors"
	"testing"
)

func TestMaturityBitNumRoundTrip(t *testing.T) {
	referenceTime := uint64(1_600_000_000)
	for bitNum := uint(1); bitNum <= MaxBitNum; bitNum++ {
		maturity, err := MaturityFromBitNum(referenceTime, bitNum)
		if err != nil {
			t.Fatalf("bit %d: maturity: %v", bitNum, err)
		}
		back, err := BitNumFromMaturity(referenceTime, maturity)
		if err != nil {
			t.Fatalf("bit %d: inverse: %v", bitNum, err)
		}
		if back != bitNum {
			t.Fatalf("bit %d round-tripped to %d (maturity %d)", bitNum, back, maturity)
		}
	}
}

func TestMaturityBitNumMonotonic(t *testing.T) {
	referenceTime := uint64(1_600_000_000)
	previous := uint64(0)
	for bitNum := uint(1); bitNum <= MaxBitNum; bitNum++ {
		maturity, err := MaturityFromBitNum(referenceTime, bitNum)
		if err != nil {
			t.Fatalf("bit %d: %v", bitNum, err)
		}
		if maturity <= previous {
			t.Fatalf("bit %d maturity %d not above previous %d", bitNum, maturity, previous)
		}
		previous = maturity
	}
	if previous != TimeUTC0(referenceTime)+maxQuarterOffset*Day {
		t.Fatalf("horizon ends at %d, want %d", previous, TimeUTC0(referenceTime)+maxQuarterOffset*Day)
	}
}

func TestBitNumFromMaturityRejectsMisaligned(t *testing.T) {
	referenceTime := uint64(0)

	tests := []struct {
		name     string
		maturity uint64
	}{
		{"not day aligned", Day + 3600},
		{"at reference", 0},
		{"day off week grid", 91 * Day},
		{"day off month grid", 361 * Day},
		{"day off quarter grid", 2161 * Day},
		{"past horizon", (maxQuarterOffset + 90) * Day},
	}
	for _, tc := range tests {
		if _, err := BitNumFromMaturity(referenceTime, tc.maturity); !errors.Is(err, ErrInvalidMaturity) {
			t.Fatalf("%s: expected invalid maturity, got %v", tc.name, err)
		}
	}
}

func TestBitNumFromMaturityBucketBoundaries(t *testing.T) {
	referenceTime := uint64(0)

	tests := []struct {
		daysOffset uint64
		want       uint
	}{
		{1, 1},
		{90, 90},
		{96, 91},
		{360, 135},
		{390, 136},
		{2160, 195},
		{2250, 196},
		{7650, 256},
	}
	for _, tc := range tests {
		got, err := BitNumFromMaturity(referenceTime, tc.daysOffset*Day)
		if err != nil {
			t.Fatalf("offset %d: %v", tc.daysOffset, err)
		}
		if got != tc.want {
			t.Fatalf("offset %d: got bit %d want %d", tc.daysOffset, got, tc.want)
		}
	}
}

func TestTimeUTC0(t *testing.T) {
	if got := TimeUTC0(Day + 1); got != Day {
		t.Fatalf("expected %d, got %d", Day, got)
	}
	if got := TimeUTC0(Day); got != Day {
		t.Fatalf("boundary must be stable, got %d", got)
	}
}

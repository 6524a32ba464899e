package bitword

import "testing"

func TestBitRoundTrip(t *testing.T) {
	buf := make([]uint8, 2)
	for n := 0; n < 16; n++ {
		SetBit(buf, n, 1)
		if got := Bit(buf, n); got != 1 {
			t.Errorf("bit %d: got %d want 1 after SetBit(1)", n, got)
		}
		SetBit(buf, n, 0)
		if got := Bit(buf, n); got != 0 {
			t.Errorf("bit %d: got %d want 0 after SetBit(0)", n, got)
		}
	}
}

func TestTruthLookupIdentity(t *testing.T) {
	const IDM = 0x0F
	for a := uint8(0); a <= 1; a++ {
		for b := uint8(0); b <= 1; b++ {
			for f := uint8(0); f <= 1; f++ {
				idx := TruthIndex(a, b, f)
				if got := TruthLookup(IDM, idx); got != a {
					t.Errorf("IDM(a=%d,b=%d,f=%d): got %d want %d", a, b, f, got, a)
				}
			}
		}
	}
}

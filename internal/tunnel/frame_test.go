package tunnel

import "testing"

func TestPadDepadRoundTrip(t *testing.T) {
	cases := []int{0, 1, 5, MaxPlaintextSz - 1, MaxPlaintextSz}
	for _, n := range cases {
		scratch := make([]byte, PlaintextBufSz)
		for i := range scratch {
			scratch[i] = 0xFF
		}
		pad(scratch, n)

		if scratch[n] != sentinelByte {
			t.Fatalf("n=%d: sentinel not at position %d", n, n)
		}
		for i := n + 1; i < PlaintextBufSz; i++ {
			if scratch[i] != 0x00 {
				t.Fatalf("n=%d: byte %d not zeroed, got %#x", n, i, scratch[i])
			}
		}

		end, ok := depad(scratch)
		if !ok {
			t.Fatalf("n=%d: depad failed to find sentinel", n)
		}
		if end != n {
			t.Fatalf("n=%d: depad returned %d", n, end)
		}
	}
}

func TestDepadMissingSentinel(t *testing.T) {
	padded := make([]byte, PlaintextBufSz)
	for i := range padded {
		padded[i] = 0xAB
	}
	if _, ok := depad(padded); ok {
		t.Fatal("expected depad to fail on a buffer with no sentinel")
	}
}

func TestDepadAllZero(t *testing.T) {
	padded := make([]byte, PlaintextBufSz)
	if _, ok := depad(padded); ok {
		t.Fatal("expected depad to fail on an all-zero buffer")
	}
}

func TestIOBufSzMatchesSpec(t *testing.T) {
	if PlaintextBufSz != 512 {
		t.Fatalf("PlaintextBufSz = %d, want 512", PlaintextBufSz)
	}
	if MaxPlaintextSz != 511 {
		t.Fatalf("MaxPlaintextSz = %d, want 511", MaxPlaintextSz)
	}
	if IOBufSz != 529 {
		t.Fatalf("IOBufSz = %d, want 529", IOBufSz)
	}
}

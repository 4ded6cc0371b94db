package mbus

import "testing"

func TestStringToMasksRoundTrip(t *testing.T) {
	cases := []string{"1010xxx", "xxxxxxx", "0000000", "1111111", "10x1 0x1"}
	for _, s := range cases {
		m, n, err := StringToMasks(s)
		if err != nil {
			t.Fatalf("StringToMasks(%q): %v", s, err)
		}
		stripped := stripSpaces(s)
		if got := MasksToString(m, n); got != stripped {
			t.Errorf("round trip %q -> %q, want %q", s, got, stripped)
		}
	}
}

func stripSpaces(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

func TestStringToMasksConflict(t *testing.T) {
	// Hand-construct a conflicting Masks to exercise Match's bit logic;
	// StringToMasks itself can never produce Ones&Zeros != 0 from valid
	// input, so the conflict path is validated directly.
	m := Masks{Ones: 0b1, Zeros: 0b1}
	if m.Match(0b1, 1) {
		t.Fatalf("expected no address to satisfy a conflicting mask via Match's zeros check")
	}
}

func TestMasksMatch(t *testing.T) {
	m, n, err := StringToMasks("101xxxx")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Match(0b1010101, n) {
		t.Errorf("expected 0b1010101 to match 101xxxx")
	}
	if m.Match(0b0010101, n) {
		t.Errorf("expected 0b0010101 to not match 101xxxx")
	}
}

func TestI2CAddressMask(t *testing.T) {
	i := NewI2C(nil)
	if err := i.SetAddressMask("101xxxx", 7); err != nil {
		t.Fatal(err)
	}
	if !i.Matches(0b1010101) {
		t.Errorf("expected address to match configured mask")
	}
	if i.Matches(0b0010101) {
		t.Errorf("expected address to not match configured mask")
	}
}

package discovery

import "testing"

func TestParseLSN(t *testing.T) {
	lsn, ok := ParseLSN("0/16B3748")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if lsn.Segment != 0 || lsn.Offset != 0x16B3748 {
		t.Fatalf("got %+v", lsn)
	}

	lsn, ok = ParseLSN("1/ABCDEF")
	if !ok || lsn.Segment != 1 || lsn.Offset != 0xABCDEF {
		t.Fatalf("got %+v ok=%v", lsn, ok)
	}

	if _, ok := ParseLSN("invalid"); ok {
		t.Fatal("expected parse failure")
	}
	if _, ok := ParseLSN("0/GGG"); ok {
		t.Fatal("expected parse failure for invalid hex")
	}
}

func TestLSNGte(t *testing.T) {
	cases := []struct {
		lsn, threshold string
		want           bool
	}{
		{"0/16B3748", "0/16B3748", true},
		{"0/16B3749", "0/16B3748", true},
		{"0/16B3747", "0/16B3748", false},
		{"1/0", "0/FFFFFFF", true},
		{"0/FFFFFFF", "1/0", false},
		{"0/10", "0/9", true},
		{"0/A", "0/9", true},
		{"0/FF", "0/FE", true},
		{"invalid", "0/0", false},
		{"0/0", "invalid", false},
	}
	for _, c := range cases {
		if got := LSNGte(c.lsn, c.threshold); got != c.want {
			t.Errorf("LSNGte(%q, %q) = %v, want %v", c.lsn, c.threshold, got, c.want)
		}
	}
}

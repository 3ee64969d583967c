package escrow

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestParseEther(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1", "1000000000000000000", false},
		{"0.5", "500000000000000000", false},
		{" 2.25 ", "2250000000000000000", false},
		{"0.000000000000000001", "1", false},
		{"0.0000000000000000001", "", true},
		{"-1", "", true},
		{"abc", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseEther(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidAmount) {
				t.Fatalf("%q: expected ErrInvalidAmount, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.in, err)
		}
		if got.Dec() != tc.want {
			t.Fatalf("%q: expected %s, got %s", tc.in, tc.want, got.Dec())
		}
	}
}

func TestFormatEther(t *testing.T) {
	if got := FormatEther(MustParseEther("0.5")); got != "0.5" {
		t.Fatalf("expected 0.5, got %s", got)
	}
	if got := FormatEther(MustParseEther("12")); got != "12" {
		t.Fatalf("expected 12, got %s", got)
	}
	if got := FormatEther(nil); got != "0" {
		t.Fatalf("expected 0 for nil, got %s", got)
	}
}

func TestParseWei(t *testing.T) {
	v, err := ParseWei("42")
	if err != nil || !v.Eq(uint256.NewInt(42)) {
		t.Fatalf("expected 42, got %v (%v)", v, err)
	}
	if _, err := ParseWei("0x2a"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected hex input rejected, got %v", err)
	}
}

func TestSumAmountsOverflow(t *testing.T) {
	total, overflow := SumAmounts([]*uint256.Int{uint256.NewInt(1), uint256.NewInt(2)})
	if overflow || !total.Eq(uint256.NewInt(3)) {
		t.Fatalf("unexpected sum %v overflow=%v", total, overflow)
	}
	if _, overflow := SumAmounts([]*uint256.Int{new(uint256.Int).SetAllOne(), uint256.NewInt(1)}); !overflow {
		t.Fatalf("expected overflow")
	}
}

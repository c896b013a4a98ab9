package extraction

import "testing"

func TestNormalizeDecimal(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"1.234,56", 1234.56, true},
		{"1,234.56", 1234.56, true},
		{"1.234", 1234, true},
		{"1,234", 1234, true},
		{"1.234.567", 1234567, true},
		{"1,234,567", 1234567, true},
		{"12,5", 12.5, true},
		{"12.5", 12.5, true},
		{"0.500", 0.5, true},
		{"0,500", 0.5, true},
		{",500", 0.5, true},
		{"-0.125", -0.125, true},
		{"42", 42, true},
		{" 1 234,5 ", 1234.5, true},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, ok := NormalizeDecimal(tc.in)
		if ok != tc.ok {
			t.Fatalf("%q: ok want=%v got=%v", tc.in, tc.ok, ok)
		}
		if ok && got != tc.want {
			t.Fatalf("%q: want=%v got=%v", tc.in, tc.want, got)
		}
	}
}

func TestDigitsOnly(t *testing.T) {
	if got := digitsOnly("1.234,56 kg"); got != "123456" {
		t.Fatalf("digitsOnly: want=%q got=%q", "123456", got)
	}
	if got := digitsOnly("no digits"); got != "" {
		t.Fatalf("digitsOnly: want empty got=%q", got)
	}
}

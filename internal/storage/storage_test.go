package storage

import (
	"strings"
	"testing"
	"time"
)

func TestEntryCloneDoesNotAlias(t *testing.T) {
	e := Entry{Data: []byte("value"), UpdateCount: 3}
	c := e.Clone()
	c.Data[0] = 'V'
	if string(e.Data) != "value" {
		t.Fatalf("clone aliased data: %q", e.Data)
	}
	if c.UpdateCount != 3 {
		t.Fatalf("clone lost metadata: %+v", c)
	}
}

func TestEntryHasExpiration(t *testing.T) {
	if (Entry{}).HasExpiration() {
		t.Fatal("zero entry should not have an expiration")
	}
	if !(Entry{ExpireAt: time.Unix(10, 0)}).HasExpiration() {
		t.Fatal("expected expiration")
	}
}

func TestParseNumber(t *testing.T) {
	cases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"10", 10, true},
		{"  -2.5\n", -2.5, true},
		{"1e3", 1000, true},
		{"hello", 0, false},
		{"", 0, false},
		{"12abc", 0, false},
		{"NaN", 0, false},
		{"Inf", 0, false},
		{"-Infinity", 0, false},
		{"1e400", 0, false},
		{"1.7976931348623157e308", 1.7976931348623157e308, true},
	}
	for _, tc := range cases {
		got, ok := ParseNumber([]byte(tc.in))
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("ParseNumber(%q) = %v, %v; want %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestFormatNumber(t *testing.T) {
	cases := map[float64]string{
		11:   "11",
		-1:   "-1",
		0.5:  "0.5",
		1e21: "1000000000000000000000",
	}
	for in, want := range cases {
		if got := FormatNumber(in); got != want {
			t.Fatalf("FormatNumber(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestDetectContentType(t *testing.T) {
	if got := DetectContentType([]byte("bar")); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("expected text/plain, got %q", got)
	}
	if got := DetectContentType([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}); got != "image/png" {
		t.Fatalf("expected image/png, got %q", got)
	}
	if got := DetectContentType(nil); got != ContentTypeOctetStream {
		t.Fatalf("expected octet-stream for empty payload, got %q", got)
	}
}

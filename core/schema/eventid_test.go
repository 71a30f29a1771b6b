package schema

import (
	"strings"
	"testing"
)

func TestEventIDHexRoundTrip(t *testing.T) {
	var id EventID
	for i := range id {
		id[i] = byte(i * 17)
	}

	text := id.String()
	if len(text) != 32 {
		t.Fatalf("canonical form must be 32 chars, got %d", len(text))
	}
	if text != strings.ToLower(text) {
		t.Fatalf("canonical form must be lowercase: %s", text)
	}

	parsed, err := ParseEventID(text)
	if err != nil {
		t.Fatalf("parse canonical form: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %s != %s", parsed, id)
	}
}

func TestEventIDBase32RoundTrip(t *testing.T) {
	var id EventID
	id[0] = 0x01
	id[5] = 0xff
	id[15] = 0x7b

	text := id.Base32()
	if len(text) != 26 {
		t.Fatalf("base32 form must be 26 chars, got %d", len(text))
	}

	parsed, err := ParseEventID(text)
	if err != nil {
		t.Fatalf("parse base32 form: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %s != %s", parsed, id)
	}

	// Crockford decode is case-insensitive and maps the O/I/L aliases.
	lower, err := ParseEventID(strings.ToLower(text))
	if err != nil {
		t.Fatalf("parse lowercase base32: %v", err)
	}
	if lower != id {
		t.Fatal("lowercase base32 should decode identically")
	}
}

func TestParseEventIDRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"abc",
		strings.Repeat("z", 32),              // not hex
		strings.Repeat("u", 26),              // U is not in the Crockford set
		"Z" + strings.Repeat("0", 25),        // leading char overflows 128 bits
		strings.Repeat("0", 31),              // wrong length
	}
	for _, tc := range cases {
		if _, err := ParseEventID(tc); err == nil {
			t.Fatalf("expected parse failure for %q", tc)
		}
	}
}

func TestEventIDOrdering(t *testing.T) {
	var a, b EventID
	b[15] = 1
	if !a.Less(b) {
		t.Fatal("expected a < b")
	}
	if b.Less(a) {
		t.Fatal("expected !(b < a)")
	}
	if a.Compare(a) != 0 {
		t.Fatal("expected a == a")
	}
}

func TestTimestampMS(t *testing.T) {
	var id EventID
	id[0] = 0x01
	id[1] = 0x02
	id[2] = 0x03
	id[3] = 0x04
	id[4] = 0x05
	id[5] = 0x06
	want := uint64(0x010203040506)
	if got := id.TimestampMS(); got != want {
		t.Fatalf("timestamp prefix: got %x want %x", got, want)
	}
}

func TestValidateTopicName(t *testing.T) {
	if err := ValidateTopicName("orders.v2_log-a", 128); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
	for _, bad := range []string{"", "a/b", "a b", ".hidden", strings.Repeat("x", 129)} {
		if err := ValidateTopicName(bad, 128); err == nil {
			t.Fatalf("expected rejection for %q", bad)
		}
	}
}

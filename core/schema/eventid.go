// Package schema defines the canonical event structures delivered through SimpleBus.
package schema

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// EventID is a 128-bit time-sortable event identifier. The high 48 bits carry
// a millisecond timestamp; the low 80 bits carry monotone randomness. Byte
// order is big-endian so that byte-lexicographic order matches creation order.
type EventID [16]byte

// ZeroEventID is the all-zero identifier; it never names a committed event.
var ZeroEventID EventID

const (
	hexIDLen     = 32
	base32IDLen  = 26
	crockfordSet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// IsZero reports whether the identifier is the zero value.
func (id EventID) IsZero() bool {
	return id == ZeroEventID
}

// Compare orders two identifiers byte-lexicographically.
func (id EventID) Compare(other EventID) int {
	return bytes.Compare(id[:], other[:])
}

// Less reports whether id sorts strictly before other.
func (id EventID) Less(other EventID) bool {
	return id.Compare(other) < 0
}

// TimestampMS extracts the millisecond prefix of the identifier.
func (id EventID) TimestampMS() uint64 {
	var buf [8]byte
	copy(buf[2:], id[:6])
	return binary.BigEndian.Uint64(buf[:])
}

// String renders the canonical textual form: 32 lowercase hex characters.
func (id EventID) String() string {
	return hex.EncodeToString(id[:])
}

// Base32 renders the alternate Crockford Base32 form: 26 uppercase characters.
func (id EventID) Base32() string {
	var out [base32IDLen]byte
	// 130-bit big-endian base32: the leading character only carries 3 bits.
	var hi, lo uint64
	hi = binary.BigEndian.Uint64(id[:8])
	lo = binary.BigEndian.Uint64(id[8:])
	for i := base32IDLen - 1; i >= 0; i-- {
		out[i] = crockfordSet[lo&0x1f]
		lo = (lo >> 5) | (hi << 59)
		hi >>= 5
	}
	return string(out[:])
}

// MarshalText renders the canonical hex form.
func (id EventID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText parses either supported textual form.
func (id *EventID) UnmarshalText(text []byte) error {
	parsed, err := ParseEventID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseEventID parses an identifier from its textual form. The two supported
// encodings are disambiguated by length: 32 characters is lowercase (or
// uppercase) hex, 26 characters is Crockford Base32.
func ParseEventID(text string) (EventID, error) {
	var id EventID
	switch len(text) {
	case hexIDLen:
		raw, err := hex.DecodeString(text)
		if err != nil {
			return ZeroEventID, fmt.Errorf("parse event id: %w", err)
		}
		copy(id[:], raw)
		return id, nil
	case base32IDLen:
		return parseCrockford(text)
	default:
		return ZeroEventID, fmt.Errorf("parse event id: length %d, want %d or %d", len(text), hexIDLen, base32IDLen)
	}
}

func parseCrockford(text string) (EventID, error) {
	var hi, lo uint64
	for i := 0; i < base32IDLen; i++ {
		v, ok := crockfordValue(text[i])
		if !ok {
			return ZeroEventID, fmt.Errorf("parse event id: invalid base32 character %q", text[i])
		}
		if i == 0 && v > 7 {
			// 26 characters hold 130 bits; the first may only carry 3.
			return ZeroEventID, fmt.Errorf("parse event id: base32 value overflows 128 bits")
		}
		hi = (hi << 5) | (lo >> 59)
		lo = (lo << 5) | uint64(v)
	}
	var id EventID
	binary.BigEndian.PutUint64(id[:8], hi)
	binary.BigEndian.PutUint64(id[8:], lo)
	return id, nil
}

// crockfordValue maps a Crockford Base32 character to its value, accepting
// lowercase and the I/L/O aliases.
func crockfordValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'z':
		c -= 'a' - 'A'
	}
	switch c {
	case 'I', 'L':
		return 1, true
	case 'O':
		return 0, true
	}
	for i := 10; i < len(crockfordSet); i++ {
		if crockfordSet[i] == c {
			return byte(i), true
		}
	}
	return 0, false
}

package heap

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Object ids are a (hi, lo) pair written as "_" followed by 11 base-62
// digits for hi and 8 for lo, e.g. _1SpaceInit010000001.
const (
	idBase     = 62
	idDigits   = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	hiDigits   = 11
	loDigits   = 8
	IDTextLen  = 1 + hiDigits + loDigits
	idSentinel = '_'

	minHi uint64 = 839299365868340224  // 62^10
	maxHi uint64 = 8392993658683402240 // 10 * 62^10
	minLo uint64 = 3521614606208       // 62^7
	maxLo uint64 = 218340105584896     // 62^8
)

// emptyIDText is the text form of the absent id.
const emptyIDText = "__"

// ObjectID identifies an object across the whole store. The zero value is
// the absent id.
type ObjectID struct {
	hi, lo uint64
}

// NilID is the absent id.
var NilID ObjectID

// MakeID builds an id from its halves. ok is false when either half is out
// of range.
func MakeID(hi, lo uint64) (ObjectID, bool) {
	if hi < minHi || hi >= maxHi || lo < minLo || lo >= maxLo {
		return NilID, false
	}
	return ObjectID{hi, lo}, true
}

// RandomID returns a fresh id drawn from a random UUID.
func RandomID() ObjectID {
	for {
		u := uuid.New()
		var hi, lo uint64
		for i := 0; i < 8; i++ {
			hi = hi<<8 | uint64(u[i])
			lo = lo<<8 | uint64(u[8+i])
		}
		hi = minHi + hi%(maxHi-minHi)
		lo = minLo + lo%(maxLo-minLo)
		if id, ok := MakeID(hi, lo); ok {
			return id
		}
	}
}

func (id ObjectID) Hi() uint64 { return id.hi }
func (id ObjectID) Lo() uint64 { return id.lo }

// IsNil reports whether id is the absent id.
func (id ObjectID) IsNil() bool {
	return id.hi < minHi
}

// Compare orders ids by (hi, lo).
func (id ObjectID) Compare(other ObjectID) int {
	switch {
	case id.hi < other.hi:
		return -1
	case id.hi > other.hi:
		return 1
	case id.lo < other.lo:
		return -1
	case id.lo > other.lo:
		return 1
	}
	return 0
}

// Less reports whether id sorts before other.
func (id ObjectID) Less(other ObjectID) bool {
	return id.Compare(other) < 0
}

// Hash returns a non-zero 32-bit hash, stable across runs.
func (id ObjectID) Hash() uint32 {
	h := uint32(id.hi%2147473837) ^ uint32(id.lo%2147483543)
	if h == 0 {
		h = uint32(id.hi&0xffffff) + uint32(id.lo&0x3ffffff) + 17
	}
	return h
}

func (id ObjectID) String() string {
	if id.IsNil() {
		return emptyIDText
	}
	var buf [IDTextLen]byte
	buf[0] = idSentinel
	putDigits(buf[1:1+hiDigits], id.hi)
	putDigits(buf[1+hiDigits:], id.lo)
	return string(buf[:])
}

func putDigits(dst []byte, n uint64) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = idDigits[n%idBase]
		n /= idBase
	}
}

func digitValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 36
	}
	return -1
}

// ParseIDPrefix parses an id at the start of s and returns it together with
// the number of bytes consumed. ok is false on malformed digits or
// out-of-range halves; callers then treat s as ordinary text.
func ParseIDPrefix(s string) (id ObjectID, n int, ok bool) {
	if len(s) < IDTextLen || s[0] != idSentinel {
		return NilID, 0, false
	}
	var hi, lo uint64
	for i := 1; i < IDTextLen; i++ {
		d := digitValue(s[i])
		if d < 0 || (i == 1 && d > 9) {
			return NilID, 0, false
		}
		if i <= hiDigits {
			hi = hi*idBase + uint64(d)
		} else {
			lo = lo*idBase + uint64(d)
		}
	}
	id, ok = MakeID(hi, lo)
	if !ok {
		return NilID, 0, false
	}
	return id, IDTextLen, true
}

// ParseID parses s, which must be exactly one id or the absent id "__".
func ParseID(s string) (ObjectID, error) {
	s = strings.TrimSpace(s)
	if s == emptyIDText {
		return NilID, nil
	}
	id, n, ok := ParseIDPrefix(s)
	if !ok || n != len(s) {
		return NilID, fmt.Errorf("invalid object id %q", s)
	}
	return id, nil
}

// MustParseID is ParseID for well-known ids; it panics on bad input.
func MustParseID(s string) ObjectID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// LooksLikeID reports whether s is the exact text of a valid id or of the
// absent id.
func LooksLikeID(s string) bool {
	if s == emptyIDText {
		return true
	}
	_, n, ok := ParseIDPrefix(s)
	return ok && n == len(s)
}

// MarshalText implements encoding.TextMarshaler.
func (id ObjectID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ObjectID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SortIDs sorts ids in place by (hi, lo).
func SortIDs(ids []ObjectID) {
	slices.SortFunc(ids, ObjectID.Compare)
}

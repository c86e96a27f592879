package bencode

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrTruncated      = errors.New("truncated input")
	ErrInvalidLength  = errors.New("invalid string length")
	ErrInvalidInteger = errors.New("invalid integer")
	ErrUnterminated   = errors.New("unterminated container")
	ErrUnsortedKeys   = errors.New("dictionary keys out of order")
	ErrDuplicateKey   = errors.New("duplicate dictionary key")
	ErrInvalidToken   = errors.New("invalid token")
	ErrTrailingData   = errors.New("trailing data after value")
	ErrTooDeep        = errors.New("nesting too deep")
)

// maximum container nesting accepted by the decoder
const maxDepth = 256

// DecodeError reports what went wrong and where. Kind is one of the Err*
// sentinels above, so errors.Is(err, ErrTruncated) works on the result.
type DecodeError struct {
	Kind   error
	Offset int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("bencode: %v at offset %d", e.Kind, e.Offset)
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

type decoder struct {
	buf    []byte
	pos    int
	strict bool
	depth  int
}

// Decode parses exactly one value from b. Dictionary key order is not
// checked; duplicate keys are still rejected.
func Decode(b []byte) (Value, error) {
	return decodeAll(b, false)
}

// DecodeStrict is Decode that also requires every dictionary's keys to be
// sorted.
func DecodeStrict(b []byte) (Value, error) {
	return decodeAll(b, true)
}

func decodeAll(b []byte, strict bool) (Value, error) {
	d := decoder{buf: b, strict: strict}
	v, err := d.value()
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(d.buf) {
		return Value{}, d.fail(ErrTrailingData)
	}
	return v, nil
}

func (d *decoder) fail(kind error) error {
	return &DecodeError{Kind: kind, Offset: d.pos}
}

func (d *decoder) value() (Value, error) {
	if d.pos >= len(d.buf) {
		return Value{}, d.fail(ErrTruncated)
	}
	switch c := d.buf[d.pos]; {
	case c == 'i':
		return d.integer()
	case c == 'l':
		return d.list()
	case c == 'd':
		return d.dict()
	case c >= '0' && c <= '9', c == '-':
		return d.string()
	default:
		return Value{}, d.fail(ErrInvalidToken)
	}
}

func (d *decoder) integer() (Value, error) {
	start := d.pos
	d.pos++ // 'i'
	end := d.pos
	for end < len(d.buf) && d.buf[end] != 'e' {
		end++
	}
	if end >= len(d.buf) {
		return Value{}, d.fail(ErrTruncated)
	}
	n, ok := parseInt(d.buf[d.pos:end])
	if !ok {
		return Value{}, d.fail(ErrInvalidInteger)
	}
	d.pos = end + 1
	return Value{Kind: Integer, Int: n, Start: start, End: d.pos}, nil
}

func (d *decoder) string() (Value, error) {
	start := d.pos
	colon := d.pos
	for colon < len(d.buf) && d.buf[colon] != ':' {
		colon++
	}
	if colon >= len(d.buf) {
		return Value{}, d.fail(ErrTruncated)
	}
	length, ok := parseLength(d.buf[d.pos:colon])
	if !ok {
		return Value{}, d.fail(ErrInvalidLength)
	}
	d.pos = colon + 1
	if length > len(d.buf)-d.pos {
		return Value{}, d.fail(ErrTruncated)
	}
	s := d.buf[d.pos : d.pos+length]
	d.pos += length
	return Value{Kind: String, Str: s, Start: start, End: d.pos}, nil
}

func (d *decoder) list() (Value, error) {
	if err := d.enter(); err != nil {
		return Value{}, err
	}
	defer d.leave()

	start := d.pos
	d.pos++ // 'l'
	items := []Value{}
	for {
		if d.pos >= len(d.buf) {
			return Value{}, d.fail(ErrUnterminated)
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return Value{Kind: List, List: items, Start: start, End: d.pos}, nil
		}
		item, err := d.value()
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

func (d *decoder) dict() (Value, error) {
	if err := d.enter(); err != nil {
		return Value{}, err
	}
	defer d.leave()

	start := d.pos
	d.pos++ // 'd'
	entries := []Entry{}
	seen := make(map[string]struct{})
	for {
		if d.pos >= len(d.buf) {
			return Value{}, d.fail(ErrUnterminated)
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return Value{Kind: Dict, Dict: entries, Start: start, End: d.pos}, nil
		}

		keyPos := d.pos
		if c := d.buf[d.pos]; c < '0' || c > '9' {
			return Value{}, d.fail(ErrInvalidToken)
		}
		k, err := d.string()
		if err != nil {
			return Value{}, err
		}
		key := string(k.Str)
		if _, dup := seen[key]; dup {
			return Value{}, &DecodeError{Kind: ErrDuplicateKey, Offset: keyPos}
		}
		if d.strict && len(entries) > 0 && key < entries[len(entries)-1].Key {
			return Value{}, &DecodeError{Kind: ErrUnsortedKeys, Offset: keyPos}
		}
		seen[key] = struct{}{}

		v, err := d.value()
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, Entry{Key: key, Value: v})
	}
}

func (d *decoder) enter() error {
	d.depth++
	if d.depth > maxDepth {
		return d.fail(ErrTooDeep)
	}
	return nil
}

func (d *decoder) leave() {
	d.depth--
}

// parseInt accepts an optional minus sign followed by digits, rejecting
// "-0", leading zeros, empty input and overflow.
func parseInt(b []byte) (int64, bool) {
	neg := false
	if len(b) > 0 && b[0] == '-' {
		neg = true
		b = b[1:]
	}
	if len(b) == 0 || (b[0] == '0' && (len(b) > 1 || neg)) {
		return 0, false
	}
	var n uint64
	for _, c := range b {
		if c < '0' || c > '9' || n > math.MaxInt64/10+1 {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
		if n > math.MaxInt64+1 {
			return 0, false
		}
	}
	if neg {
		return -int64(n), true
	}
	if n > math.MaxInt64 {
		return 0, false
	}
	return int64(n), true
}

func parseLength(b []byte) (int, bool) {
	if len(b) == 0 || (b[0] == '0' && len(b) > 1) {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
		if n > math.MaxInt32 {
			return 0, false
		}
	}
	return n, true
}

// Package bencode implements the four-primitive encoding used by torrent
// descriptors and HTTP tracker responses.
//
// Encoded forms:
//   - integer:    i<decimal>e          (i42e, i-3e)
//   - string:     <length>:<bytes>      (4:spam)
//   - list:       l<values>e            (l4:spami42ee)
//   - dictionary: d<key><value>...e     (d3:cow3:mooe), keys are strings
//
// Decoding keeps the byte offsets of every value so callers can hash the
// exact span a sub-structure occupied in the input (the torrent info hash).
package bencode

import (
	"bytes"
	"sort"
	"strconv"
)

type Kind uint8

const (
	Integer Kind = iota + 1
	String
	List
	Dict
)

func (k Kind) String() string {
	switch k {
	case Integer:
		return "integer"
	case String:
		return "string"
	case List:
		return "list"
	case Dict:
		return "dictionary"
	default:
		return "invalid"
	}
}

// Value is a decoded bencode value. Only the field matching Kind is set.
// Start and End are offsets into the decoded input; End is exclusive.
type Value struct {
	Kind  Kind
	Int   int64
	Str   []byte
	List  []Value
	Dict  []Entry
	Start int
	End   int
}

// Entry is one dictionary member, kept in input order.
type Entry struct {
	Key   string
	Value Value
}

func NewInt(i int64) Value { return Value{Kind: Integer, Int: i} }

func NewString(s string) Value { return Value{Kind: String, Str: []byte(s)} }

func NewBytes(b []byte) Value { return Value{Kind: String, Str: b} }

func NewList(items ...Value) Value { return Value{Kind: List, List: items} }

// NewDict builds a dictionary from a map. Encode sorts the keys.
func NewDict(m map[string]Value) Value {
	entries := make([]Entry, 0, len(m))
	for k, v := range m {
		entries = append(entries, Entry{Key: k, Value: v})
	}
	sortEntries(entries)
	return Value{Kind: Dict, Dict: entries}
}

// Get looks up a dictionary key.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != Dict {
		return Value{}, false
	}
	for _, e := range v.Dict {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// Raw returns the bytes of src the value was decoded from.
func (v Value) Raw(src []byte) []byte {
	return src[v.Start:v.End]
}

// Encode writes the canonical encoding of v: dictionary keys sorted and
// unique, integers without leading zeros.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encode(&buf, v)
	return buf.Bytes()
}

func encode(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case Integer:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.Int, 10))
		buf.WriteByte('e')
	case String:
		encodeString(buf, v.Str)
	case List:
		buf.WriteByte('l')
		for _, item := range v.List {
			encode(buf, item)
		}
		buf.WriteByte('e')
	case Dict:
		entries := make([]Entry, len(v.Dict))
		copy(entries, v.Dict)
		sortEntries(entries)
		buf.WriteByte('d')
		for _, e := range entries {
			encodeString(buf, []byte(e.Key))
			encode(buf, e.Value)
		}
		buf.WriteByte('e')
	}
}

func encodeString(buf *bytes.Buffer, s []byte) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.Write(s)
}

// keys compare as raw byte strings
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
}

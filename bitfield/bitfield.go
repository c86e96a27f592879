package bitfield

import "fmt"

// Bitfield encodes which pieces a peer holds, one bit per piece, high bit of
// the first byte being piece 0.
// Note: pieces are zero indexed
//
// Example:
//   - [0 0 1 0 1 0 0 0] (only pieces 2 and 4 are available)
//   - [1 1 1 1 1 1 1 1] (only pieces in the interval [0, 7] are available)
//   - [0 0 0 0 0 0 0 0] [0 0 0 0 0 0 0 1] (only piece 15 is available)
type Bitfield []byte

// New returns an empty bitfield large enough for n pieces.
func New(n int) Bitfield {
	return make(Bitfield, (n+7)/8)
}

// Check if piece at the given index is set.
func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8 // determine which byte we need
	offset := index % 8    // determine offset within that byte
	if index < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// Set piece at the given index. Out of range indices are ignored.
func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8
	if index < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - offset)
}

// Count returns the number of set pieces.
func (bf Bitfield) Count() int {
	n := 0
	for _, b := range bf {
		for ; b != 0; b &= b - 1 {
			n++
		}
	}
	return n
}

func (bf Bitfield) Clone() Bitfield {
	return append(Bitfield(nil), bf...)
}

// Validate checks a bitfield received for a torrent of numPieces pieces: it
// must be exactly ceil(numPieces/8) bytes with the spare trailing bits clear.
func (bf Bitfield) Validate(numPieces int) error {
	if len(bf) != (numPieces+7)/8 {
		return fmt.Errorf("bitfield of %d bytes for %d pieces", len(bf), numPieces)
	}
	for i := numPieces; i < len(bf)*8; i++ {
		if bf.HasPiece(i) {
			return fmt.Errorf("spare bit %d set in bitfield", i)
		}
	}
	return nil
}

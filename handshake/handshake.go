package handshake

import (
	"errors"
	"fmt"
	"io"
)

// Handshake string consists of (in order):
//   - 1 byte for pstr length (length of protocol identifier - has to be 19)
//   - 19 bytes for pstr (protocol identifier - BitTorrent protocol)
//   - 8 reserved bytes for extension support (none advertised here)
//   - 20 bytes for infohash (SHA-1 of bencoded info dictionary)
//   - 20 bytes for peerID (random id to identify ourselves)
type Handshake struct {
	Pstr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

const Protocol = "BitTorrent protocol"

// length of handshake string in bytes
const Length = 68

var ErrProtocol = errors.New("unexpected protocol identifier")

// Create new Handshake struct with given infoHash and peerID.
func New(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{
		Pstr:     Protocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// Put together a handshake string.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, 1+len(h.Pstr)+48)
	buf[0] = byte(len(h.Pstr))
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], h.Reserved[:])
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

// Read converts a raw handshake into a Handshake struct. Only the
// BitTorrent protocol identifier is accepted.
func Read(r io.Reader) (*Handshake, error) {
	var pstrLenBuf [1]byte
	if _, err := io.ReadFull(r, pstrLenBuf[:]); err != nil {
		return nil, err
	}
	pstrLen := int(pstrLenBuf[0])
	if pstrLen != len(Protocol) {
		return nil, fmt.Errorf("%w: pstr length should be 19 (0x13) but is %d", ErrProtocol, pstrLen)
	}

	handshakeBuf := make([]byte, Length-1)
	if _, err := io.ReadFull(r, handshakeBuf); err != nil {
		return nil, err
	}
	if pstr := string(handshakeBuf[:pstrLen]); pstr != Protocol {
		return nil, fmt.Errorf("%w: %q", ErrProtocol, pstr)
	}

	h := Handshake{Pstr: Protocol}
	curr := pstrLen
	curr += copy(h.Reserved[:], handshakeBuf[curr:])
	curr += copy(h.InfoHash[:], handshakeBuf[curr:])
	copy(h.PeerID[:], handshakeBuf[curr:])
	return &h, nil
}

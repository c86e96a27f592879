package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"bitswarm/bitfield"
)

type ID uint8

// Every two minutes or so a message of length zero (keepalive) is sent.
//
// All non-keepalive messages with their IDs:
//   - choke 0 (communication channel not ready to receive messages)
//   - unchoke 1 (communication channel ready to receive messages)
//   - interested 2 (communication channel ready to send messages)
//   - not interested 3 (communication channel not ready to send messages)
//   - have 4 (piece index downloader/peer downloaded/has)
//   - bitfield 5 (encode which piece peer is able to send)
//   - request 6 (message payload of the form <index><begin><length> requesting a block)
//   - piece 7 (message payload of the form <index><begin><block> containing a block)
//   - cancel 8 (identical to request message used to cancel block requests)
//   - port 9 (DHT listen port, accepted and ignored)
const (
	MsgChoke         ID = 0
	MsgUnchoke       ID = 1
	MsgInterested    ID = 2
	MsgNotInterested ID = 3
	MsgHave          ID = 4
	MsgBitfield      ID = 5
	MsgRequest       ID = 6
	MsgPiece         ID = 7
	MsgCancel        ID = 8
	MsgPort          ID = 9
)

// MaxLength bounds the length prefix of a single message. It leaves room for
// a 128 KiB block and for bitfields of torrents with a million pieces.
const MaxLength = 1 << 18

var (
	ErrTooLarge  = errors.New("message length exceeds limit")
	ErrUnknownID = errors.New("unknown message id")
	ErrMalformed = errors.New("malformed message payload")
)

// Every message is of the following form:
// | Message Length (4 bytes, big endian) | Message ID (1 byte) | Optional Payload |
//
// Message is implemented only by the types of this package.
type Message interface {
	fmt.Stringer
	// appendTo appends the id byte and payload
	appendTo(buf []byte) []byte
	size() int
}

type KeepAlive struct{}
type Choke struct{}
type Unchoke struct{}
type Interested struct{}
type NotInterested struct{}

type Have struct {
	Index uint32
}

type Bitfield struct {
	Bits bitfield.Bitfield
}

type Request struct {
	Index, Begin, Length uint32
}

type Piece struct {
	Index, Begin uint32
	Block        []byte
}

type Cancel struct {
	Index, Begin, Length uint32
}

type Port struct {
	Port uint16
}

func (KeepAlive) appendTo(buf []byte) []byte { return buf }
func (Choke) appendTo(buf []byte) []byte { return append(buf, byte(MsgChoke)) }
func (Unchoke) appendTo(buf []byte) []byte { return append(buf, byte(MsgUnchoke)) }
func (Interested) appendTo(buf []byte) []byte { return append(buf, byte(MsgInterested)) }
func (NotInterested) appendTo(buf []byte) []byte { return append(buf, byte(MsgNotInterested)) }

func (m Have) appendTo(buf []byte) []byte {
	return binary.BigEndian.AppendUint32(append(buf, byte(MsgHave)), m.Index)
}

func (m Bitfield) appendTo(buf []byte) []byte {
	return append(append(buf, byte(MsgBitfield)), m.Bits...)
}

func (m Request) appendTo(buf []byte) []byte {
	return appendTriple(append(buf, byte(MsgRequest)), m.Index, m.Begin, m.Length)
}

func (m Piece) appendTo(buf []byte) []byte {
	buf = append(buf, byte(MsgPiece))
	buf = binary.BigEndian.AppendUint32(buf, m.Index)
	buf = binary.BigEndian.AppendUint32(buf, m.Begin)
	return append(buf, m.Block...)
}

func (m Cancel) appendTo(buf []byte) []byte {
	return appendTriple(append(buf, byte(MsgCancel)), m.Index, m.Begin, m.Length)
}

func (m Port) appendTo(buf []byte) []byte {
	return binary.BigEndian.AppendUint16(append(buf, byte(MsgPort)), m.Port)
}

func appendTriple(buf []byte, a, b, c uint32) []byte {
	buf = binary.BigEndian.AppendUint32(buf, a)
	buf = binary.BigEndian.AppendUint32(buf, b)
	return binary.BigEndian.AppendUint32(buf, c)
}

func (KeepAlive) size() int { return 0 }
func (Choke) size() int { return 1 }
func (Unchoke) size() int { return 1 }
func (Interested) size() int { return 1 }
func (NotInterested) size() int { return 1 }
func (Have) size() int { return 5 }
func (m Bitfield) size() int { return 1 + len(m.Bits) }
func (Request) size() int { return 13 }
func (m Piece) size() int { return 9 + len(m.Block) }
func (Cancel) size() int { return 13 }
func (Port) size() int { return 3 }
func (KeepAlive) String() string { return "KeepAlive" }
func (Choke) String() string { return "Choke" }
func (Unchoke) String() string { return "Unchoke" }
func (Interested) String() string { return "Interested" }

func (NotInterested) String() string { return "NotInterested" }
func (m Have) String() string { return fmt.Sprintf("Have [%d]", m.Index) }
func (m Bitfield) String() string { return fmt.Sprintf("Bitfield [%d]", len(m.Bits)) }
func (m Port) String() string { return fmt.Sprintf("Port [%d]", m.Port) }

func (m Request) String() string {
	return fmt.Sprintf("Request [%d %d %d]", m.Index, m.Begin, m.Length)
}

func (m Piece) String() string {
	return fmt.Sprintf("Piece [%d %d %d]", m.Index, m.Begin, len(m.Block))
}

func (m Cancel) String() string {
	return fmt.Sprintf("Cancel [%d %d %d]", m.Index, m.Begin, m.Length)
}

// Serialize puts together a length prefixed message.
func Serialize(m Message) []byte {
	buf := make([]byte, 4, 4+m.size())
	buf = m.appendTo(buf)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)-4))
	return buf
}

// Read reads one message. TCP may deliver the stream in any fragmentation;
// Read keeps reading until the whole length prefixed message is in.
func Read(r io.Reader) (Message, error) {
	var bufLen [4]byte
	if _, err := io.ReadFull(r, bufLen[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(bufLen[:])
	if length > MaxLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, length, MaxLength)
	}

	// keepalive
	if length == 0 {
		return KeepAlive{}, nil
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Parse(frame)
}

// Parse converts a frame (message without its length prefix) into a Message.
func Parse(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return KeepAlive{}, nil
	}
	id, payload := ID(frame[0]), frame[1:]

	switch id {
	case MsgChoke, MsgUnchoke, MsgInterested, MsgNotInterested:
		if len(payload) != 0 {
			return nil, malformed(id, len(payload))
		}
		switch id {
		case MsgChoke:
			return Choke{}, nil
		case MsgUnchoke:
			return Unchoke{}, nil
		case MsgInterested:
			return Interested{}, nil
		default:
			return NotInterested{}, nil
		}
	case MsgHave:
		if len(payload) != 4 {
			return nil, malformed(id, len(payload))
		}
		return Have{Index: binary.BigEndian.Uint32(payload)}, nil
	case MsgBitfield:
		return Bitfield{Bits: bitfield.Bitfield(payload)}, nil
	case MsgRequest, MsgCancel:
		if len(payload) != 12 {
			return nil, malformed(id, len(payload))
		}
		index := binary.BigEndian.Uint32(payload[0:4])
		begin := binary.BigEndian.Uint32(payload[4:8])
		length := binary.BigEndian.Uint32(payload[8:12])
		if id == MsgRequest {
			return Request{Index: index, Begin: begin, Length: length}, nil
		}
		return Cancel{Index: index, Begin: begin, Length: length}, nil
	case MsgPiece:
		if len(payload) < 8 {
			return nil, malformed(id, len(payload))
		}
		return Piece{
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Block: payload[8:],
		}, nil
	case MsgPort:
		if len(payload) != 2 {
			return nil, malformed(id, len(payload))
		}
		return Port{Port: binary.BigEndian.Uint16(payload)}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
}

func malformed(id ID, n int) error {
	return fmt.Errorf("%w: id %d with %d payload bytes", ErrMalformed, id, n)
}

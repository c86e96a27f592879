package channel

import (
	"errors"
	"fmt"

	"bitswarm/bitfield"
	"bitswarm/piece"
)

// State is where a channel is in its lifecycle. While Active, whether the
// remote chokes us and whether we are interested is tracked separately.
type State int

const (
	Connecting State = iota
	Handshaking
	Active
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrHandshakeMismatch = errors.New("handshake mismatch")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTimeout           = errors.New("peer timed out")
)

// Manager is the part of the piece manager a channel talks to.
type Manager interface {
	NumPieces() int
	NextBlockFor(conn piece.ConnID, view piece.View) (piece.Block, bool)
	SubmitBlock(conn piece.ConnID, index, begin int, data []byte) (piece.Result, error)
	ReleaseAssignments(conn piece.ConnID) int
	Interesting(view piece.View) bool
	AddAvailability(bf bitfield.Bitfield)
	RemoveAvailability(bf bitfield.Bitfield)
	IncAvailability(index int)
	Bitfield() bitfield.Bitfield
	ReadBlock(index, begin, length int) ([]byte, error)
}

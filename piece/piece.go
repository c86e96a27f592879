package piece

import (
	"errors"
	"fmt"
	"io"
	"time"

	"bitswarm/torrentfile"
)

// DefaultBlockSize is the request granularity; data is downloaded in blocks
// (16kB) and not pieces.
const DefaultBlockSize = 16 * 1024

var (
	ErrInvalidBlock = errors.New("invalid block")
	ErrVerification = errors.New("piece failed integrity check")
	ErrNotVerified  = errors.New("piece not verified")
)

// ConnID identifies a connection to the manager.
type ConnID uint64

// Block is one request unit of a piece.
type Block struct {
	Index  int
	Begin  int
	Length int
}

func (b Block) String() string {
	return fmt.Sprintf("%d:%d+%d", b.Index, b.Begin, b.Length)
}

// View is what a connection knows about the pieces its remote holds.
type View interface {
	HasPiece(index int) bool
}

// Result tells the caller of SubmitBlock what became of the data.
type Result int

const (
	Accepted Result = iota
	Duplicate
	Verified
	VerificationFailed
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Verified:
		return "verified"
	case VerificationFailed:
		return "verification failed"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Observer is told about piece level events. Methods are called without the
// manager's lock held, from the goroutine that caused the event.
type Observer interface {
	PieceVerified(index int)
	VerificationFailed(index int, err error)
	// CancelBlock asks conn to drop its outstanding request for b, either
	// because another connection delivered it or because it expired.
	CancelBlock(conn ConnID, b Block)
}

// Storage is where verified pieces are written and served from.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

type Config struct {
	BlockSize int
	// EndgameThreshold is the number of outstanding blocks at or below which
	// a block may be requested from more than one connection.
	EndgameThreshold int
}

var DefaultConfig = Config{
	BlockSize:        DefaultBlockSize,
	EndgameThreshold: 20,
}

type blockStatus uint8

const (
	missing blockStatus = iota
	requested
	received
)

// pieceState exists only while a piece is being downloaded.
type pieceState struct {
	status   []blockStatus
	owners   []map[ConnID]time.Time
	buf      []byte
	received int
}

func newPieceState(info *torrentfile.TorrentInfo, index, blockSize int) *pieceState {
	size := info.PieceSize(index)
	n := (size + blockSize - 1) / blockSize
	return &pieceState{
		status: make([]blockStatus, n),
		owners: make([]map[ConnID]time.Time, n),
		buf:    make([]byte, size),
	}
}

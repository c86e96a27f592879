package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/multiless"
	"github.com/sirupsen/logrus"

	"bitswarm/bitfield"
	"bitswarm/torrentfile"
)

type cancel struct {
	conn  ConnID
	block Block
}

// Manager is the single authority over which blocks are wanted, who has been
// asked for them and which pieces are verified. All methods are safe for
// concurrent use.
type Manager struct {
	info  *torrentfile.TorrentInfo
	store Storage
	cfg   Config
	log   logrus.FieldLogger

	mu           sync.Mutex
	observer     Observer
	verified     *roaring.Bitmap
	hashing      *roaring.Bitmap // all blocks received, being checked or written
	active       map[int]*pieceState
	assigned     map[ConnID]map[Block]struct{}
	availability []int
	remaining    int // blocks not yet received over all unverified pieces
	downloaded   int64
}

func NewManager(info *torrentfile.TorrentInfo, store Storage, cfg Config, log logrus.FieldLogger) (*Manager, error) {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.EndgameThreshold < 0 {
		return nil, fmt.Errorf("negative endgame threshold %d", cfg.EndgameThreshold)
	}
	if info.NumPieces() == 0 {
		return nil, fmt.Errorf("torrent has no pieces")
	}

	m := &Manager{
		info:         info,
		store:        store,
		cfg:          cfg,
		log:          log,
		verified:     roaring.New(),
		hashing:      roaring.New(),
		active:       make(map[int]*pieceState),
		assigned:     make(map[ConnID]map[Block]struct{}),
		availability: make([]int, info.NumPieces()),
	}
	for i := 0; i < info.NumPieces(); i++ {
		m.remaining += m.numBlocks(i)
	}
	return m, nil
}

// SetObserver registers the receiver of piece events.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

func (m *Manager) NumPieces() int {
	return m.info.NumPieces()
}

func (m *Manager) numBlocks(index int) int {
	return (m.info.PieceSize(index) + m.cfg.BlockSize - 1) / m.cfg.BlockSize
}

func (m *Manager) block(index, n int) Block {
	begin := n * m.cfg.BlockSize
	length := m.cfg.BlockSize
	if size := m.info.PieceSize(index); size-begin < length {
		length = size - begin
	}
	return Block{Index: index, Begin: begin, Length: length}
}

func (m *Manager) wanted(index int) bool {
	return !m.verified.Contains(uint32(index)) && !m.hashing.Contains(uint32(index))
}

func (m *Manager) endgame() bool {
	return m.remaining <= m.cfg.EndgameThreshold
}

// rarer reports whether piece a should be downloaded before piece b: fewer
// connections offering it first, then lower index.
func (m *Manager) rarer(a, b int) bool {
	var ml multiless.Computation
	ml = ml.Int(m.availability[a], m.availability[b])
	ml = ml.Int(a, b)
	return ml.Less()
}

// NextBlockFor picks the next block conn should request from a remote that
// holds the pieces in view. Outside endgame a block is handed to at most one
// connection at a time. ok is false when nothing is left for this view.
func (m *Manager) NextBlockFor(conn ConnID, view View) (Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	best := -1
	for i := range m.availability {
		if !m.wanted(i) || !view.HasPiece(i) {
			continue
		}
		if ps, ok := m.active[i]; ok && firstMissing(ps) < 0 {
			continue
		}
		if best < 0 || m.rarer(i, best) {
			best = i
		}
	}
	if best >= 0 {
		ps := m.state(best)
		return m.assign(conn, ps, best, firstMissing(ps)), true
	}

	if !m.endgame() {
		return Block{}, false
	}
	return m.endgameBlock(conn, view)
}

// endgameBlock hands out an already requested block that conn has not been
// given, preferring blocks with the fewest requesters.
func (m *Manager) endgameBlock(conn ConnID, view View) (Block, bool) {
	bestPiece, bestBlock, fewest := -1, -1, 0
	for i, ps := range m.active {
		if !m.wanted(i) || !view.HasPiece(i) {
			continue
		}
		for n, status := range ps.status {
			if status != requested {
				continue
			}
			if _, mine := ps.owners[n][conn]; mine {
				continue
			}
			owners := len(ps.owners[n])
			better := bestPiece < 0 ||
				owners < fewest ||
				owners == fewest && (i < bestPiece || i == bestPiece && n < bestBlock)
			if better {
				bestPiece, bestBlock, fewest = i, n, owners
			}
		}
	}
	if bestPiece < 0 {
		return Block{}, false
	}
	b := m.assign(conn, m.active[bestPiece], bestPiece, bestBlock)
	m.log.WithFields(logrus.Fields{"conn": conn, "block": b}).Debug("endgame request")
	return b, true
}

func firstMissing(ps *pieceState) int {
	for n, status := range ps.status {
		if status == missing {
			return n
		}
	}
	return -1
}

func (m *Manager) state(index int) *pieceState {
	ps, ok := m.active[index]
	if !ok {
		ps = newPieceState(m.info, index, m.cfg.BlockSize)
		m.active[index] = ps
	}
	return ps
}

func (m *Manager) assign(conn ConnID, ps *pieceState, index, n int) Block {
	b := m.block(index, n)
	ps.status[n] = requested
	if ps.owners[n] == nil {
		ps.owners[n] = make(map[ConnID]time.Time)
	}
	ps.owners[n][conn] = time.Now()
	if m.assigned[conn] == nil {
		m.assigned[conn] = make(map[Block]struct{})
	}
	m.assigned[conn][b] = struct{}{}
	return b
}

// unassign drops conn's claim on block n and returns the block to missing
// when nobody else holds it.
func (m *Manager) unassign(conn ConnID, ps *pieceState, b Block, n int) {
	delete(ps.owners[n], conn)
	if owned := m.assigned[conn]; owned != nil {
		delete(owned, b)
		if len(owned) == 0 {
			delete(m.assigned, conn)
		}
	}
	if ps.status[n] == requested && len(ps.owners[n]) == 0 {
		ps.status[n] = missing
	}
}

// SubmitBlock stores data received by conn for the block at index/begin.
// Once every block of the piece is in, the piece is hashed; a match is
// written to storage exactly once, a mismatch puts the whole piece back to
// missing. Only a storage failure or an invalid block is an error.
func (m *Manager) SubmitBlock(conn ConnID, index, begin int, data []byte) (Result, error) {
	m.mu.Lock()

	if index < 0 || index >= m.info.NumPieces() || begin < 0 || begin%m.cfg.BlockSize != 0 {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: piece %d offset %d", ErrInvalidBlock, index, begin)
	}
	n := begin / m.cfg.BlockSize
	if n >= m.numBlocks(index) {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: piece %d offset %d", ErrInvalidBlock, index, begin)
	}
	b := m.block(index, n)
	if len(data) != b.Length {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %v got %d bytes", ErrInvalidBlock, b, len(data))
	}

	if !m.wanted(index) {
		m.mu.Unlock()
		return Duplicate, nil
	}
	ps := m.state(index)
	if ps.status[n] == received {
		m.unassign(conn, ps, b, n)
		m.mu.Unlock()
		return Duplicate, nil
	}

	var cancels []cancel
	for other := range ps.owners[n] {
		if other != conn {
			cancels = append(cancels, cancel{other, b})
		}
		if owned := m.assigned[other]; owned != nil {
			delete(owned, b)
			if len(owned) == 0 {
				delete(m.assigned, other)
			}
		}
	}
	ps.owners[n] = nil
	ps.status[n] = received
	copy(ps.buf[begin:], data)
	ps.received++
	m.remaining--

	if ps.received < len(ps.status) {
		observer := m.observer
		m.mu.Unlock()
		notifyCancels(observer, cancels)
		return Accepted, nil
	}

	// complete: hash and write outside the lock
	delete(m.active, index)
	m.hashing.Add(uint32(index))
	observer := m.observer
	m.mu.Unlock()
	notifyCancels(observer, cancels)

	return m.verify(index, ps.buf, observer)
}

func notifyCancels(o Observer, cancels []cancel) {
	if o == nil {
		return
	}
	for _, c := range cancels {
		o.CancelBlock(c.conn, c.block)
	}
}

func (m *Manager) verify(index int, buf []byte, observer Observer) (Result, error) {
	log := m.log.WithField("piece", index)

	if hash := sha1.Sum(buf); !bytes.Equal(hash[:], m.info.PieceHashes[index][:]) {
		m.mu.Lock()
		m.hashing.Remove(uint32(index))
		m.remaining += m.numBlocks(index)
		m.mu.Unlock()

		err := fmt.Errorf("%w: piece %d hashed to %x, expected %x", ErrVerification, index, hash, m.info.PieceHashes[index])
		log.WithError(err).Warn("discarding piece")
		if observer != nil {
			observer.VerificationFailed(index, err)
		}
		return VerificationFailed, nil
	}

	begin, _ := m.info.PieceBounds(index)
	if _, err := m.store.WriteAt(buf, begin); err != nil {
		m.mu.Lock()
		m.hashing.Remove(uint32(index))
		m.remaining += m.numBlocks(index)
		m.mu.Unlock()
		return 0, fmt.Errorf("writing piece %d: %w", index, err)
	}

	m.mu.Lock()
	m.hashing.Remove(uint32(index))
	m.verified.Add(uint32(index))
	m.downloaded += int64(len(buf))
	m.mu.Unlock()

	log.Debug("piece verified")
	if observer != nil {
		observer.PieceVerified(index)
	}
	return Verified, nil
}

// ReleaseAssignments returns every block held by conn to the pool and
// reports how many there were.
func (m *Manager) ReleaseAssignments(conn ConnID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned := m.assigned[conn]
	released := 0
	for b := range owned {
		ps, ok := m.active[b.Index]
		if !ok {
			continue
		}
		n := b.Begin / m.cfg.BlockSize
		m.unassign(conn, ps, b, n)
		released++
	}
	delete(m.assigned, conn)
	return released
}

// ReleaseExpired drops assignments older than timeout. The owning
// connections are told through CancelBlock.
func (m *Manager) ReleaseExpired(timeout time.Duration) int {
	m.mu.Lock()
	deadline := time.Now().Add(-timeout)
	var expired []cancel
	for index, ps := range m.active {
		for n, owners := range ps.owners {
			for conn, at := range owners {
				if at.Before(deadline) {
					expired = append(expired, cancel{conn, m.block(index, n)})
				}
			}
		}
	}
	for _, c := range expired {
		m.unassign(c.conn, m.active[c.block.Index], c.block, c.block.Begin/m.cfg.BlockSize)
	}
	observer := m.observer
	m.mu.Unlock()

	notifyCancels(observer, expired)
	return len(expired)
}

// MarkVerified records a piece found intact on disk.
func (m *Manager) MarkVerified(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= m.info.NumPieces() || !m.wanted(index) {
		return
	}
	unreceived := m.numBlocks(index)
	if ps, ok := m.active[index]; ok {
		unreceived -= ps.received
		for n, owners := range ps.owners {
			b := m.block(index, n)
			for conn := range owners {
				m.unassign(conn, ps, b, n)
			}
		}
		delete(m.active, index)
	}
	m.remaining -= unreceived
	m.verified.Add(uint32(index))
	m.downloaded += int64(m.info.PieceSize(index))
}

// ReadBlock reads part of a verified piece for uploading.
func (m *Manager) ReadBlock(index, begin, length int) ([]byte, error) {
	m.mu.Lock()
	ok := index >= 0 && index < m.info.NumPieces() && m.verified.Contains(uint32(index))
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotVerified, index)
	}
	if begin < 0 || length <= 0 || begin+length > m.info.PieceSize(index) {
		return nil, fmt.Errorf("%w: piece %d offset %d length %d", ErrInvalidBlock, index, begin, length)
	}
	pieceBegin, _ := m.info.PieceBounds(index)
	buf := make([]byte, length)
	if _, err := m.store.ReadAt(buf, pieceBegin+int64(begin)); err != nil {
		return nil, fmt.Errorf("reading piece %d: %w", index, err)
	}
	return buf, nil
}

// AddAvailability counts the pieces of a remote's bitfield.
func (m *Manager) AddAvailability(bf bitfield.Bitfield) {
	m.changeAvailability(bf, 1)
}

// RemoveAvailability undoes AddAvailability when a connection goes away.
func (m *Manager) RemoveAvailability(bf bitfield.Bitfield) {
	m.changeAvailability(bf, -1)
}

func (m *Manager) changeAvailability(bf bitfield.Bitfield, delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.availability {
		if bf.HasPiece(i) {
			m.availability[i] += delta
			if m.availability[i] < 0 {
				m.availability[i] = 0
			}
		}
	}
}

// IncAvailability records a Have for index.
func (m *Manager) IncAvailability(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index >= 0 && index < len(m.availability) {
		m.availability[index]++
	}
}

// Interesting reports whether a remote holding view has anything we lack.
func (m *Manager) Interesting(view View) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.info.NumPieces(); i++ {
		if !m.verified.Contains(uint32(i)) && view.HasPiece(i) {
			return true
		}
	}
	return false
}

func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verified.GetCardinality() == uint64(m.info.NumPieces())
}

func (m *Manager) HasPiece(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return index >= 0 && m.verified.Contains(uint32(index))
}

// Bitfield returns the verified pieces in wire format.
func (m *Manager) Bitfield() bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()
	bf := bitfield.New(m.info.NumPieces())
	m.verified.Iterate(func(x uint32) bool {
		bf.SetPiece(int(x))
		return true
	})
	return bf
}

func (m *Manager) Verified() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.verified.GetCardinality())
}

// Downloaded is the number of verified bytes.
func (m *Manager) Downloaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloaded
}

// Left is the number of bytes still to verify.
func (m *Manager) Left() int64 {
	return m.info.Length - m.Downloaded()
}

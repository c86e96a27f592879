package channel

import (
	"context"
	"crypto/sha1"
	"errors"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"bitswarm/bitfield"
	"bitswarm/handshake"
	"bitswarm/message"
	"bitswarm/peer"
	"bitswarm/piece"
	"bitswarm/torrentfile"
)

const (
	testPieceLength = 32
	testBlockSize   = 16
	testPieces      = 4
)

type memStorage struct {
	mu  sync.Mutex
	buf []byte
}

func (s *memStorage) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copy(s.buf[off:], p), nil
}

func (s *memStorage) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copy(p, s.buf[off:]), nil
}

type fixture struct {
	data     []byte
	info     *torrentfile.TorrentInfo
	store    *memStorage
	m        *piece.Manager
	infoHash [20]byte
	peerID   [20]byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	f := &fixture{
		data:     make([]byte, testPieceLength*testPieces),
		infoHash: [20]byte{0xaa, 0xbb},
		peerID:   peer.GeneratePeerID(),
	}
	rand.New(rand.NewSource(1)).Read(f.data)
	f.info = &torrentfile.TorrentInfo{
		Name:        "test",
		PieceLength: testPieceLength,
		Length:      int64(len(f.data)),
		InfoHash:    f.infoHash,
	}
	for i := 0; i < testPieces; i++ {
		f.info.PieceHashes = append(f.info.PieceHashes, sha1.Sum(f.data[i*testPieceLength:(i+1)*testPieceLength]))
	}
	f.store = &memStorage{buf: make([]byte, len(f.data))}
	m, err := piece.NewManager(f.info, f.store, piece.Config{BlockSize: testBlockSize}, log)
	if err != nil {
		t.Fatal(err)
	}
	f.m = m
	return f
}

func (f *fixture) options(id piece.ConnID) Options {
	log, _ := test.NewNullLogger()
	return Options{
		ID:                id,
		InfoHash:          f.infoHash,
		PeerID:            f.peerID,
		Manager:           f.m,
		Log:               log,
		DialTimeout:       2 * time.Second,
		KeepAliveInterval: time.Minute,
		IdleTimeout:       time.Minute,
		MaxPipelineDepth:  4,
	}
}

// remote plays the other end of a connection.
type remote struct {
	t    *testing.T
	conn net.Conn
	msgs chan message.Message
}

func newRemote(t *testing.T, conn net.Conn) *remote {
	r := &remote{t: t, conn: conn, msgs: make(chan message.Message, 1024)}
	go func() {
		defer close(r.msgs)
		for {
			msg, err := message.Read(conn)
			if err != nil {
				return
			}
			r.msgs <- msg
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return r
}

func (r *remote) send(m message.Message) {
	if _, err := r.conn.Write(message.Serialize(m)); err != nil {
		r.t.Errorf("remote write: %v", err)
	}
}

// next returns the next message matching keep, or nil on timeout.
func (r *remote) next(keep func(message.Message) bool, timeout time.Duration) message.Message {
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-r.msgs:
			if !ok {
				return nil
			}
			if keep(msg) {
				return msg
			}
		case <-deadline:
			return nil
		}
	}
}

func isRequest(m message.Message) bool {
	_, ok := m.(message.Request)
	return ok
}

// dial connects a channel to a fake remote that answers the handshake with
// infoHash and remoteID.
func dial(t *testing.T, opts Options, p peer.Peer, infoHash, remoteID [20]byte) (*Channel, *remote, error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		if _, err := handshake.Read(conn); err != nil {
			conn.Close()
			close(accepted)
			return
		}
		conn.Write(handshake.New(infoHash, remoteID).Serialize())
		accepted <- conn
	}()

	addr, _ := peer.Parse(ln.Addr().String())
	addr.ID = p.ID
	ch, err := Dial(context.Background(), addr, opts)
	conn, ok := <-accepted
	if !ok {
		t.Fatal("remote did not get a handshake")
	}
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ch, newRemote(t, conn), nil
}

func run(ch *Channel) (context.CancelFunc, chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()
	return cancel, done
}

func wait(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func fullBitfield() bitfield.Bitfield {
	bf := bitfield.New(testPieces)
	for i := 0; i < testPieces; i++ {
		bf.SetPiece(i)
	}
	return bf
}

func TestHandshakeMismatch(t *testing.T) {
	f := newFixture(t)
	_, _, err := dial(t, f.options(1), peer.Peer{}, [20]byte{0x01}, [20]byte{})
	if !errors.Is(err, ErrHandshakeMismatch) {
		t.Errorf("expected ErrHandshakeMismatch for another info hash, got %v", err)
	}

	expectedID := []byte("-XX0001-aaaaaaaaaaaa")
	var otherID [20]byte
	copy(otherID[:], "-XX0001-bbbbbbbbbbbb")
	_, _, err = dial(t, f.options(1), peer.Peer{ID: expectedID}, f.infoHash, otherID)
	if !errors.Is(err, ErrHandshakeMismatch) {
		t.Errorf("expected ErrHandshakeMismatch for another peer id, got %v", err)
	}
}

func TestDownload(t *testing.T) {
	f := newFixture(t)
	var remoteID [20]byte
	copy(remoteID[:], "-XX0001-aaaaaaaaaaaa")
	ch, r, err := dial(t, f.options(1), peer.Peer{}, f.infoHash, remoteID)
	if err != nil {
		t.Fatal(err)
	}
	if ch.State() != Active || !ch.Choked() || ch.RemoteID() != remoteID {
		t.Errorf("expected active and choked after the handshake, got %v", ch.State())
	}

	cancel, done := run(ch)
	defer cancel()

	r.send(message.Bitfield{Bits: fullBitfield()})
	if r.next(func(m message.Message) bool { _, ok := m.(message.Interested); return ok }, 2*time.Second) == nil {
		t.Fatal("expected interested")
	}
	r.send(message.Unchoke{})

	// every block is requested exactly once
	for i := 0; i < testPieces*testPieceLength/testBlockSize; i++ {
		msg := r.next(isRequest, 2*time.Second)
		if msg == nil {
			t.Fatalf("expected request %d", i)
		}
		req := msg.(message.Request)
		begin := int(req.Index)*testPieceLength + int(req.Begin)
		r.send(message.Piece{Index: req.Index, Begin: req.Begin, Block: f.data[begin : begin+int(req.Length)]})
	}
	deadline := time.Now().Add(2 * time.Second)
	for !f.m.IsComplete() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !f.m.IsComplete() {
		t.Fatalf("expected all pieces verified, got %d", f.m.Verified())
	}
	f.store.mu.Lock()
	stored := string(f.store.buf)
	f.store.mu.Unlock()
	if stored != string(f.data) {
		t.Errorf("stored data differs from the torrent")
	}

	// announcing a piece re-evaluates interest
	ch.Have(0)
	if r.next(func(m message.Message) bool { _, ok := m.(message.NotInterested); return ok }, 2*time.Second) == nil {
		t.Errorf("expected not interested once complete")
	}
	if ch.Downloaded() != int64(len(f.data)) {
		t.Errorf("expected %d bytes downloaded, got %d", len(f.data), ch.Downloaded())
	}

	cancel()
	if err := wait(t, done); err != nil {
		t.Errorf("expected nil after cancel, got %v", err)
	}
	if ch.State() != Closed {
		t.Errorf("expected closed, got %v", ch.State())
	}
}

// A choked channel never requests, and holds nothing in the manager.
func TestNoRequestsWhileChoked(t *testing.T) {
	f := newFixture(t)
	ch, r, err := dial(t, f.options(1), peer.Peer{}, f.infoHash, [20]byte{})
	if err != nil {
		t.Fatal(err)
	}
	cancel, done := run(ch)
	defer cancel()

	r.send(message.Bitfield{Bits: fullBitfield()})
	if msg := r.next(isRequest, 300*time.Millisecond); msg != nil {
		t.Errorf("expected no request while choked, got %v", msg)
	}
	if b, ok := f.m.NextBlockFor(2, fullBitfield()); !ok || b.Index != 0 || b.Begin != 0 {
		t.Errorf("expected the first block to be free, got %v", b)
	}
	cancel()
	wait(t, done)
}

func TestChokeReleasesRequests(t *testing.T) {
	f := newFixture(t)
	ch, r, err := dial(t, f.options(1), peer.Peer{}, f.infoHash, [20]byte{})
	if err != nil {
		t.Fatal(err)
	}
	cancel, done := run(ch)
	defer cancel()

	r.send(message.Bitfield{Bits: fullBitfield()})
	r.send(message.Unchoke{})
	for i := 0; i < 4; i++ {
		if r.next(isRequest, 2*time.Second) == nil {
			t.Fatalf("expected 4 requests, got %d", i)
		}
	}
	if _, ok := f.m.NextBlockFor(2, bitfield.Bitfield{0x80}); ok {
		t.Fatalf("expected piece 0 to be taken by the channel")
	}

	r.send(message.Choke{})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b, ok := f.m.NextBlockFor(2, bitfield.Bitfield{0x80}); ok {
			if b.Index != 0 {
				t.Errorf("expected a block of piece 0, got %v", b)
			}
			cancel()
			wait(t, done)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("blocks were not released after choke")
}

func TestProtocolViolation(t *testing.T) {
	f := newFixture(t)
	ch, r, err := dial(t, f.options(1), peer.Peer{}, f.infoHash, [20]byte{})
	if err != nil {
		t.Fatal(err)
	}
	_, done := run(ch)

	r.send(message.Bitfield{Bits: fullBitfield()})
	r.send(message.Unchoke{})
	r.next(isRequest, 2*time.Second)
	r.conn.Write([]byte{0, 0, 0, 1, 42}) // unknown message id

	err = wait(t, done)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got %v", err)
	}
	if ch.State() != Failed {
		t.Errorf("expected failed, got %v", ch.State())
	}
	if n := f.m.ReleaseAssignments(1); n != 0 {
		t.Errorf("expected assignments to be released already, %d left", n)
	}
	if _, ok := f.m.NextBlockFor(2, fullBitfield()); !ok {
		t.Errorf("expected blocks to be available again")
	}
}

func TestInvalidHaveIsViolation(t *testing.T) {
	f := newFixture(t)
	ch, r, err := dial(t, f.options(1), peer.Peer{}, f.infoHash, [20]byte{})
	if err != nil {
		t.Fatal(err)
	}
	_, done := run(ch)
	r.send(message.Have{Index: testPieces})
	if err := wait(t, done); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation, got %v", err)
	}
}

func TestUnrequestedPieceIgnored(t *testing.T) {
	f := newFixture(t)
	ch, r, err := dial(t, f.options(1), peer.Peer{}, f.infoHash, [20]byte{})
	if err != nil {
		t.Fatal(err)
	}
	cancel, done := run(ch)

	r.send(message.Piece{Index: 0, Begin: 0, Block: f.data[:testBlockSize]})
	r.send(message.Have{Index: 1})
	if r.next(func(m message.Message) bool { _, ok := m.(message.Interested); return ok }, 2*time.Second) == nil {
		t.Fatal("expected the channel to keep going after an unrequested block")
	}
	if f.m.Downloaded() != 0 || ch.Downloaded() != 0 {
		t.Errorf("expected the block to be discarded")
	}
	cancel()
	if err := wait(t, done); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	copy(f.store.buf, f.data)
	f.m.MarkVerified(1)
	opts := f.options(1)
	opts.Upload = true
	ch, r, err := dial(t, opts, peer.Peer{}, f.infoHash, [20]byte{})
	if err != nil {
		t.Fatal(err)
	}
	cancel, done := run(ch)
	defer cancel()

	msg := r.next(func(message.Message) bool { return true }, 2*time.Second)
	if bf, ok := msg.(message.Bitfield); !ok || !bf.Bits.HasPiece(1) || bf.Bits.HasPiece(0) {
		t.Fatalf("expected our bitfield first, got %v", msg)
	}

	// choked remotes are not served
	r.send(message.Request{Index: 1, Begin: 0, Length: 8})
	r.send(message.Interested{})
	if r.next(func(m message.Message) bool { _, ok := m.(message.Unchoke); return ok }, 2*time.Second) == nil {
		t.Fatal("expected unchoke")
	}
	r.send(message.Request{Index: 0, Begin: 0, Length: 8}) // not ours
	r.send(message.Request{Index: 1, Begin: 8, Length: 8})

	msg = r.next(func(m message.Message) bool { _, ok := m.(message.Piece); return ok }, 2*time.Second)
	p, ok := msg.(message.Piece)
	if !ok || p.Index != 1 || p.Begin != 8 || string(p.Block) != string(f.data[40:48]) {
		t.Fatalf("unexpected piece %v", msg)
	}
	if ch.Uploaded() != 8 {
		t.Errorf("expected 8 bytes uploaded, got %d", ch.Uploaded())
	}

	r.send(message.Request{Index: 1, Begin: 0, Length: maxRequestLength + 1})
	if err := wait(t, done); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected ErrProtocolViolation for an oversized request, got %v", err)
	}
}

func TestKeepAliveAndIdleTimeout(t *testing.T) {
	f := newFixture(t)
	opts := f.options(1)
	opts.KeepAliveInterval = 40 * time.Millisecond
	opts.IdleTimeout = 300 * time.Millisecond
	ch, r, err := dial(t, opts, peer.Peer{}, f.infoHash, [20]byte{})
	if err != nil {
		t.Fatal(err)
	}
	_, done := run(ch)

	if r.next(func(m message.Message) bool { _, ok := m.(message.KeepAlive); return ok }, time.Second) == nil {
		t.Errorf("expected a keep alive")
	}
	if err := wait(t, done); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if ch.State() != Closed {
		t.Errorf("expected closed after a timeout, got %v", ch.State())
	}
}

func TestCancelCommand(t *testing.T) {
	f := newFixture(t)
	ch, r, err := dial(t, f.options(1), peer.Peer{}, f.infoHash, [20]byte{})
	if err != nil {
		t.Fatal(err)
	}
	cancel, done := run(ch)
	defer cancel()

	r.send(message.Bitfield{Bits: fullBitfield()})
	r.send(message.Unchoke{})
	req, _ := r.next(isRequest, 2*time.Second).(message.Request)

	ch.Cancel(piece.Block{Index: int(req.Index), Begin: int(req.Begin), Length: int(req.Length)})
	msg := r.next(func(m message.Message) bool { _, ok := m.(message.Cancel); return ok }, 2*time.Second)
	if c, ok := msg.(message.Cancel); !ok || c.Index != req.Index || c.Begin != req.Begin {
		t.Errorf("expected cancel for %v, got %v", req, msg)
	}
	cancel()
	wait(t, done)
}

func TestAccept(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	type result struct {
		ch  *Channel
		err error
	}
	results := make(chan result, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			ch, err := Accept(conn, f.options(piece.ConnID(i)))
			results <- result{ch, err}
		}
	}()

	remoteID := [20]byte{7}
	conn, _ := net.Dial("tcp", ln.Addr().String())
	defer conn.Close()
	conn.Write(handshake.New(f.infoHash, remoteID).Serialize())
	res := <-results
	if res.err != nil {
		t.Fatal(res.err)
	}
	hs, err := handshake.Read(conn)
	if err != nil || hs.InfoHash != f.infoHash || hs.PeerID != f.peerID {
		t.Errorf("expected our handshake back, got %v, %v", hs, err)
	}
	if res.ch.RemoteID() != remoteID {
		t.Errorf("expected remote id %x, got %x", remoteID, res.ch.RemoteID())
	}
	res.ch.Close()

	wrong, _ := net.Dial("tcp", ln.Addr().String())
	defer wrong.Close()
	wrong.Write(handshake.New([20]byte{0xee}, remoteID).Serialize())
	if res := <-results; !errors.Is(res.err, ErrHandshakeMismatch) {
		t.Errorf("expected ErrHandshakeMismatch, got %v", res.err)
	}
}

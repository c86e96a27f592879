package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"bitswarm/bitfield"
	"bitswarm/handshake"
	"bitswarm/message"
	"bitswarm/peer"
	"bitswarm/piece"
)

// requests for more than this are refused
const maxRequestLength = 128 * 1024

type Options struct {
	ID       piece.ConnID
	InfoHash [20]byte
	PeerID   [20]byte
	Manager  Manager
	Log      logrus.FieldLogger

	DialTimeout       time.Duration // also bounds the handshake
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
	MaxPipelineDepth  int
	// Upload unchokes interested remotes and serves their requests for
	// pieces we have.
	Upload bool
}

var DefaultOptions = Options{
	DialTimeout:       5 * time.Second,
	KeepAliveInterval: 2 * time.Minute,
	IdleTimeout:       3 * time.Minute,
	MaxPipelineDepth:  25,
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultOptions.DialTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultOptions.KeepAliveInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultOptions.IdleTimeout
	}
	if o.MaxPipelineDepth <= 0 {
		o.MaxPipelineDepth = DefaultOptions.MaxPipelineDepth
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	return o
}

type commandKind int

const (
	cmdCancel commandKind = iota
	cmdHave
)

type command struct {
	kind  commandKind
	block piece.Block
	index int
}

// Channel is one connection to one remote peer. Run owns the socket; other
// goroutines talk to it through Cancel and Have.
type Channel struct {
	conn net.Conn
	peer peer.Peer
	opts Options
	log  *logrus.Entry

	commands chan command
	done     chan struct{}

	downloaded atomic.Int64
	uploaded   atomic.Int64

	mu         sync.Mutex
	state      State
	choked     bool // the remote chokes us
	interested bool // we told the remote we are interested
	remoteID   [20]byte

	// owned by Run
	bitfield       bitfield.Bitfield
	pending        map[piece.Block]time.Time
	amChoking      bool
	peerInterested bool
	gotMessage     bool
	lastWrite      time.Time
	lastRead       time.Time
}

func newChannel(conn net.Conn, p peer.Peer, opts Options) *Channel {
	opts = opts.withDefaults()
	return &Channel{
		conn:      conn,
		peer:      p,
		opts:      opts,
		log:       opts.Log.WithFields(logrus.Fields{"peer": p.String(), "conn": opts.ID}),
		commands:  make(chan command, 64),
		done:      make(chan struct{}),
		state:     Connecting,
		choked:    true,
		amChoking: true,
		pending:   make(map[piece.Block]time.Time),
		bitfield:  bitfield.New(opts.Manager.NumPieces()),
	}
}

// Dial connects to p and completes the handshake. A peer id known from the
// tracker has to match the one the remote sends.
func Dial(ctx context.Context, p peer.Peer, opts Options) (*Channel, error) {
	opts = opts.withDefaults()
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.String())
	if err != nil {
		return nil, err
	}

	c := newChannel(conn, p, opts)
	c.setState(Handshaking)
	conn.SetDeadline(time.Now().Add(opts.DialTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(handshake.New(opts.InfoHash, opts.PeerID).Serialize()); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.readHandshake(p.ID); err != nil {
		conn.Close()
		c.setState(Failed)
		return nil, err
	}
	c.setState(Active)
	c.log.Debug("handshake complete")
	return c, nil
}

// Accept completes the receiving side of a handshake on an inbound
// connection. Our handshake is only sent once the remote asked for the
// right torrent.
func Accept(conn net.Conn, opts Options) (*Channel, error) {
	opts = opts.withDefaults()
	p, err := peer.Parse(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := newChannel(conn, p, opts)
	c.setState(Handshaking)
	conn.SetDeadline(time.Now().Add(opts.DialTimeout))
	defer conn.SetDeadline(time.Time{})

	if err := c.readHandshake(nil); err != nil {
		conn.Close()
		c.setState(Failed)
		return nil, err
	}
	if _, err := conn.Write(handshake.New(opts.InfoHash, opts.PeerID).Serialize()); err != nil {
		conn.Close()
		return nil, err
	}
	c.setState(Active)
	c.log.Debug("accepted handshake")
	return c, nil
}

func (c *Channel) readHandshake(expectedID []byte) error {
	res, err := handshake.Read(c.conn)
	if err != nil {
		if errors.Is(err, handshake.ErrProtocol) {
			return fmt.Errorf("%w: %v", ErrHandshakeMismatch, err)
		}
		return err
	}
	// check if info hash sent equals to the one received
	if !bytes.Equal(res.InfoHash[:], c.opts.InfoHash[:]) {
		return fmt.Errorf("%w: expected infohash %x but got %x", ErrHandshakeMismatch, c.opts.InfoHash, res.InfoHash)
	}
	if len(expectedID) == 20 && !bytes.Equal(res.PeerID[:], expectedID) {
		return fmt.Errorf("%w: expected peer id %q but got %q", ErrHandshakeMismatch, expectedID, res.PeerID[:])
	}
	c.mu.Lock()
	c.remoteID = res.PeerID
	c.mu.Unlock()
	return nil
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Choked reports whether the remote is choking us.
func (c *Channel) Choked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.choked
}

// Interested reports whether we told the remote we want its pieces.
func (c *Channel) Interested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interested
}

func (c *Channel) Peer() peer.Peer {
	return c.peer
}

func (c *Channel) ID() piece.ConnID {
	return c.opts.ID
}

func (c *Channel) RemoteID() [20]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

// Downloaded and Uploaded count block payload bytes.
func (c *Channel) Downloaded() int64 { return c.downloaded.Load() }
func (c *Channel) Uploaded() int64 { return c.uploaded.Load() }

// Cancel withdraws our request for b, if there is one.
func (c *Channel) Cancel(b piece.Block) {
	c.send(command{kind: cmdCancel, block: b})
}

// Have announces a newly verified piece to the remote.
func (c *Channel) Have(index int) {
	c.send(command{kind: cmdHave, index: index})
}

func (c *Channel) send(cmd command) {
	select {
	case c.commands <- cmd:
	case <-c.done:
	}
}

// Close tears the connection down. Run returns shortly after.
func (c *Channel) Close() error {
	return c.conn.Close()
}

func (c *Channel) write(m message.Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.IdleTimeout))
	if _, err := c.conn.Write(message.Serialize(m)); err != nil {
		return err
	}
	c.lastWrite = time.Now()
	c.log.WithField("msg", m).Trace("sent")
	return nil
}

package torrent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"bitswarm/channel"
	"bitswarm/peer"
	"bitswarm/piece"
	"bitswarm/resume"
	"bitswarm/storage"
	"bitswarm/torrentfile"
	"bitswarm/tracker"
)

// ErrPeersExhausted ends a session that has no connection, no peer left to
// try and no tracker to ask for more.
var ErrPeersExhausted = errors.New("no peers left to connect to")

var errSelf = errors.New("connected to ourselves")

type peerRecord struct {
	peer         peer.Peer
	connecting   bool
	dead         bool
	dialFailures int
	violations   int
	retryAt      time.Time
}

type connResult struct {
	key       string
	connected bool // the handshake went through
	err       error
}

// Client downloads one torrent: it finds peers through the trackers, runs a
// channel per peer and feeds them all from one piece manager.
type Client struct {
	cfg    Config
	info   *torrentfile.TorrentInfo
	log    logrus.FieldLogger
	peerID [20]byte
	key    uint32

	store     storage.Storage
	pieces    *piece.Manager
	announcer *tracker.Announcer
	ln        net.Listener
	bar       *uiprogress.Bar

	conns  *xsync.Map[piece.ConnID, *channel.Channel]
	known  *xsync.Map[string, *peerRecord] // owned by loop
	nextID atomic.Uint64
	slots  *semaphore.Weighted
	dials  *rate.Limiter

	mu       sync.Mutex
	pending  []peer.Peer // from AddPeers
	added    chan struct{}
	ended    chan connResult
	haves    chan int
	fatal    chan error
	complete chan struct{}
	once     sync.Once

	resumePath     string
	baseDownloaded int64
	baseUploaded   int64
	uploaded       atomic.Int64 // by closed connections
}

func NewClient(cfg Config, info *torrentfile.TorrentInfo, log logrus.FieldLogger) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	resumePath := cfg.ResumeFile
	if resumePath == "" {
		resumePath = filepath.Join(cfg.DownloadDir, info.Name+".resume")
	}
	return &Client{
		cfg:        cfg,
		info:       info,
		log:        log.WithField("torrent", info.Name),
		peerID:     peer.GeneratePeerID(),
		key:        rand.Uint32(),
		conns:      xsync.NewMap[piece.ConnID, *channel.Channel](),
		known:      xsync.NewMap[string, *peerRecord](),
		slots:      semaphore.NewWeighted(int64(cfg.MaxConnections)),
		dials:      rate.NewLimiter(rate.Limit(cfg.DialRate), 1),
		added:      make(chan struct{}, 1),
		ended:      make(chan connResult),
		haves:      make(chan int, info.NumPieces()),
		fatal:      make(chan error, 1),
		complete:   make(chan struct{}),
		resumePath: resumePath,
	}, nil
}

// AddPeers hands the client peers found some other way than through a
// tracker.
func (c *Client) AddPeers(peers ...peer.Peer) {
	c.mu.Lock()
	c.pending = append(c.pending, peers...)
	c.mu.Unlock()
	select {
	case c.added <- struct{}{}:
	default:
	}
}

func (c *Client) takePeers() []peer.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := c.pending
	c.pending = nil
	return peers
}

func (c *Client) PeerID() [20]byte {
	return c.peerID
}

// Run downloads the torrent. Without Seed it returns nil once every piece is
// verified; with Seed only when ctx is done. A storage failure or running out
// of peers ends the session with an error. Verified pieces stay on disk
// either way.
func (c *Client) Run(ctx context.Context) error {
	if err := c.open(ctx); err != nil {
		return err
	}
	defer c.close()

	if c.pieces.IsComplete() && !c.cfg.Seed {
		c.log.Info("download already complete")
		return nil
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sctx)

	updates := make(chan tracker.Update)
	if c.announcer != nil {
		g.Go(func() error {
			return c.announcer.Run(gctx, c.stats, updates)
		})
	}
	if c.ln != nil {
		g.Go(func() error {
			c.accept(gctx, g)
			return nil
		})
	}
	g.Go(func() error {
		c.broadcast(gctx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return c.loop(gctx, g, updates)
	})
	err := g.Wait()

	if c.announcer != nil {
		stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.DialTimeout)
		if err := c.announcer.Stop(stopCtx, c.stats()); err != nil {
			c.log.WithError(err).Debug("stopped announce failed")
		}
		stop()
	}
	return err
}

// open prepares storage and finds out which pieces are already on disk.
func (c *Client) open(ctx context.Context) error {
	store, err := storage.Open(c.cfg.DownloadDir, c.info.Files, c.cfg.Storage, c.log)
	if err != nil {
		return err
	}
	pieces, err := piece.NewManager(c.info, store, piece.Config{
		BlockSize:        int(c.cfg.BlockSize.Bytes()),
		EndgameThreshold: c.cfg.EndgameThreshold,
	}, c.log)
	if err != nil {
		store.Close()
		return err
	}
	pieces.SetObserver(c)
	c.store, c.pieces = store, pieces

	// pieces are only trusted after hashing them again
	var claimed piece.View = allPieces{}
	state, err := resume.Load(c.resumePath, c.info.InfoHash, c.info.NumPieces())
	if err != nil {
		c.log.WithError(err).Warn("ignoring resume file")
	} else if state != nil {
		claimed = state.Bitfield()
		c.baseUploaded = state.Uploaded
	}
	if _, err := pieces.Recheck(ctx, claimed); err != nil {
		store.Close()
		return err
	}
	c.baseDownloaded = pieces.Downloaded()

	if c.cfg.UseTrackers && len(c.info.Tiers()) > 0 {
		acfg := tracker.DefaultAnnouncerConfig
		acfg.MaxFailures = c.cfg.MaxTrackerFailures
		acfg.Options.Log = c.log
		a, err := tracker.NewAnnouncer(c.info.Tiers(), acfg)
		if err != nil {
			c.log.WithError(err).Warn("not announcing")
		} else {
			c.announcer = a
		}
	}

	if c.ln == nil && c.cfg.ListenPort != 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.cfg.ListenPort))
		if err != nil {
			store.Close()
			return err
		}
		c.ln = ln
	}

	if c.cfg.ShowDownloadProgress {
		c.startProgress()
	}
	return nil
}

func (c *Client) close() {
	c.stopProgress()
	if c.ln != nil {
		c.ln.Close()
	}
	c.save()
	if err := c.store.Close(); err != nil {
		c.log.WithError(err).Error("closing storage")
	}
}

func (c *Client) save() {
	state := resume.New(c.info.InfoHash, c.pieces.Bitfield(), c.baseUploaded+c.sessionUploaded())
	if err := resume.Save(c.resumePath, state); err != nil {
		c.log.WithError(err).Warn("saving resume file")
	}
}

func (c *Client) sessionUploaded() int64 {
	n := c.uploaded.Load()
	c.conns.Range(func(_ piece.ConnID, ch *channel.Channel) bool {
		n += ch.Uploaded()
		return true
	})
	return n
}

func (c *Client) stats() tracker.Request {
	return tracker.Request{
		InfoHash:   c.info.InfoHash,
		PeerID:     c.peerID,
		Port:       c.cfg.ListenPort,
		Uploaded:   c.sessionUploaded(),
		Downloaded: c.pieces.Downloaded() - c.baseDownloaded,
		Left:       c.pieces.Left(),
		NumWant:    c.cfg.NumWant,
		Key:        c.key,
	}
}

func (c *Client) channelOptions() channel.Options {
	return channel.Options{
		ID:                piece.ConnID(c.nextID.Add(1)),
		InfoHash:          c.info.InfoHash,
		PeerID:            c.peerID,
		Manager:           c.pieces,
		Log:               c.log,
		DialTimeout:       c.cfg.DialTimeout,
		KeepAliveInterval: c.cfg.KeepAliveInterval,
		IdleTimeout:       c.cfg.IdleTimeout,
		MaxPipelineDepth:  c.cfg.MaxPipelineDepth,
		Upload:            c.cfg.Upload,
	}
}

// loop owns the peer table. It dials queued peers while connection slots
// are free and decides when the session is over.
func (c *Client) loop(ctx context.Context, g *errgroup.Group, updates <-chan tracker.Update) error {
	var (
		queue        []string
		inflight     int
		trackerAlive = c.announcer != nil
		complete     = c.complete
	)
	discover := func(peers []peer.Peer) {
		for _, p := range peers {
			key := p.String()
			rec, loaded := c.known.LoadOrStore(key, &peerRecord{peer: p})
			if loaded {
				if rec.peer.ID == nil {
					rec.peer.ID = p.ID
				}
				continue
			}
			queue = append(queue, key)
		}
	}
	discover(c.takePeers())

	retry := time.NewTicker(c.cfg.RetryInterval)
	defer retry.Stop()
	expire := time.NewTicker(c.cfg.RequestTimeout / 2)
	defer expire.Stop()

	for {
		for len(queue) > 0 && c.slots.TryAcquire(1) {
			key := queue[0]
			queue = queue[1:]
			rec, ok := c.known.Load(key)
			if !ok || rec.dead || rec.connecting {
				c.slots.Release(1)
				continue
			}
			rec.connecting = true
			inflight++
			p := rec.peer
			g.Go(func() error {
				c.connect(ctx, key, p)
				return nil
			})
		}

		if inflight == 0 && len(queue) == 0 && c.ln == nil && !trackerAlive && !c.retryable() && !c.pieces.IsComplete() {
			return ErrPeersExhausted
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-c.fatal:
			return err
		case u := <-updates:
			if u.Err != nil {
				c.log.WithError(u.Err).Warn("trackers unreachable")
				trackerAlive = false
				continue
			}
			trackerAlive = true
			discover(u.Peers)
		case <-c.added:
			discover(c.takePeers())
		case res := <-c.ended:
			inflight--
			if errors.Is(res.err, storage.ErrStorage) {
				return res.err
			}
			c.settle(res)
		case <-complete:
			complete = nil
			c.log.Info("download complete")
			if c.announcer != nil {
				c.announcer.Notify(tracker.Completed)
			}
			c.save()
			if !c.cfg.Seed {
				return nil
			}
		case now := <-retry.C:
			c.known.Range(func(key string, rec *peerRecord) bool {
				if !rec.dead && !rec.connecting && !rec.retryAt.After(now) && !slices.Contains(queue, key) {
					queue = append(queue, key)
				}
				return true
			})
		case <-expire.C:
			if n := c.pieces.ReleaseExpired(c.cfg.RequestTimeout); n > 0 {
				c.log.WithField("blocks", n).Debug("released expired requests")
			}
		}
	}
}

func (c *Client) retryable() bool {
	found := false
	c.known.Range(func(_ string, rec *peerRecord) bool {
		found = !rec.dead
		return !found
	})
	return found
}

// settle books the outcome of a connection against its peer.
func (c *Client) settle(res connResult) {
	rec, ok := c.known.Load(res.key)
	if !ok {
		return
	}
	rec.connecting = false
	log := c.log.WithField("peer", res.key).WithError(res.err)

	switch {
	case errors.Is(res.err, errSelf):
		rec.dead = true
	case errors.Is(res.err, channel.ErrHandshakeMismatch), errors.Is(res.err, channel.ErrProtocolViolation):
		rec.violations++
		if rec.violations >= c.cfg.MaxViolations {
			rec.dead = true
			log.Warn("blacklisting peer")
			return
		}
		log.Warn("dropped misbehaving peer")
	case !res.connected:
		rec.dialFailures++
		if rec.dialFailures >= c.cfg.MaxDialFailures {
			rec.dead = true
			log.Debug("giving up on peer")
			return
		}
	default:
		rec.dialFailures = 0
		log.Debug("peer disconnected")
	}
	rec.retryAt = time.Now().Add(time.Duration(1+rec.dialFailures) * c.cfg.RetryInterval)
}

func (c *Client) connect(ctx context.Context, key string, p peer.Peer) {
	res := connResult{key: key}
	defer func() {
		c.slots.Release(1)
		select {
		case c.ended <- res:
		case <-ctx.Done():
		}
	}()

	if err := c.dials.Wait(ctx); err != nil {
		res.err = err
		return
	}
	ch, err := channel.Dial(ctx, p, c.channelOptions())
	if err != nil {
		res.err = err
		return
	}
	res.connected = true
	res.err = c.serve(ctx, ch)
}

// accept runs channels for inbound peers until ctx is done.
func (c *Client) accept(ctx context.Context, g *errgroup.Group) {
	stop := context.AfterFunc(ctx, func() {
		c.ln.Close()
	})
	defer stop()

	c.log.WithField("addr", c.ln.Addr()).Info("accepting peers")
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				c.log.WithError(err).Warn("no longer accepting peers")
			}
			return
		}
		if !c.slots.TryAcquire(1) {
			conn.Close()
			continue
		}
		g.Go(func() error {
			defer c.slots.Release(1)
			ch, err := channel.Accept(conn, c.channelOptions())
			if err != nil {
				c.log.WithError(err).WithField("peer", conn.RemoteAddr()).Debug("inbound handshake failed")
				return nil
			}
			if err := c.serve(ctx, ch); errors.Is(err, storage.ErrStorage) {
				c.fail(err)
			}
			return nil
		})
	}
}

func (c *Client) serve(ctx context.Context, ch *channel.Channel) error {
	if ch.RemoteID() == c.peerID {
		ch.Close()
		return errSelf
	}
	c.conns.Store(ch.ID(), ch)
	c.log.WithField("peer", ch.Peer()).Debug("peer connected")
	err := ch.Run(ctx)
	c.conns.Delete(ch.ID())
	c.uploaded.Add(ch.Uploaded())
	return err
}

func (c *Client) fail(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// broadcast tells every connection about pieces we verified.
func (c *Client) broadcast(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case index := <-c.haves:
			c.conns.Range(func(_ piece.ConnID, ch *channel.Channel) bool {
				ch.Have(index)
				return true
			})
			if c.bar != nil {
				c.bar.Incr()
			}
		}
	}
}

// PieceVerified, VerificationFailed and CancelBlock make the client the
// piece manager's observer.
func (c *Client) PieceVerified(index int) {
	// every piece is verified at most once, haves never fills up
	c.haves <- index
	if c.pieces.IsComplete() {
		c.once.Do(func() { close(c.complete) })
	}
}

func (c *Client) VerificationFailed(index int, err error) {
	c.log.WithField("piece", index).WithError(err).Warn("piece failed verification")
}

func (c *Client) CancelBlock(conn piece.ConnID, b piece.Block) {
	if ch, ok := c.conns.Load(conn); ok {
		go ch.Cancel(b)
	}
}

type allPieces struct{}

func (allPieces) HasPiece(int) bool { return true }

package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"bitswarm/peer"
)

// Event is the announce event. The numbering matches the UDP tracker
// protocol.
type Event uint32

const (
	None Event = iota
	Completed
	Started
	Stopped
)

func (e Event) String() string {
	switch e {
	case Completed:
		return "completed"
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	default:
		return ""
	}
}

// Request holds what the client tells a tracker about itself.
type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
	Key        uint32
}

// Response is a successful announce. Interval is how long to wait before
// announcing again.
type Response struct {
	Interval    time.Duration
	MinInterval time.Duration
	Peers       []peer.Peer
	Seeders     int
	Leechers    int
	Warning     string
}

// ScrapeResult is the swarm summary for one info hash.
type ScrapeResult struct {
	Seeders   int
	Completed int
	Leechers  int
}

// Tracker announces to a single tracker URL.
type Tracker interface {
	Announce(ctx context.Context, req Request) (*Response, error)
	Scrape(ctx context.Context, infoHashes [][20]byte) (map[[20]byte]ScrapeResult, error)
	URL() string
}

var (
	// ErrSwarmUnreachable is returned once no tracker answered for too long.
	ErrSwarmUnreachable  = errors.New("swarm unreachable")
	ErrScrapeUnsupported = errors.New("tracker does not support scrape")
	ErrUnsupportedScheme = errors.New("bad or unsupported url scheme")
)

// Error is a failed announce or scrape. Reason is set when the tracker itself
// refused the request; Err when the exchange failed.
type Error struct {
	URL    string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("tracker %s: %s", e.URL, e.Reason)
	}
	return fmt.Sprintf("tracker %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Options struct {
	// HTTPClient is used for http and https trackers. Defaults to a client
	// with Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration

	// UDP trackers retransmit after RetransmitBase*2^n for n up to
	// MaxRetransmit.
	RetransmitBase time.Duration
	MaxRetransmit  int

	Log logrus.FieldLogger
}

var DefaultOptions = Options{
	Timeout:        15 * time.Second,
	RetransmitBase: 15 * time.Second,
	MaxRetransmit:  8,
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultOptions.Timeout
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.RetransmitBase <= 0 {
		o.RetransmitBase = DefaultOptions.RetransmitBase
	}
	if o.MaxRetransmit < 0 {
		o.MaxRetransmit = 0
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	return o
}

// New returns the tracker for rawURL, chosen by its scheme.
func New(rawURL string, opts Options) (Tracker, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	log := opts.Log.WithField("tracker", rawURL)

	switch base.Scheme {
	case "http", "https":
		return &httpTracker{url: base, raw: rawURL, client: opts.HTTPClient, log: log}, nil
	case "udp":
		if base.Host == "" {
			return nil, fmt.Errorf("udp tracker %q has no host", rawURL)
		}
		return &udpTracker{
			host:    base.Host,
			raw:     rawURL,
			base:    opts.RetransmitBase,
			retries: opts.MaxRetransmit,
			log:     log,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, base.Scheme)
	}
}

package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitswarm/peer"
)

type AnnouncerConfig struct {
	// MaxFailures consecutive failed announces make the swarm unreachable.
	MaxFailures int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	// DefaultInterval is used when a tracker does not send one.
	DefaultInterval time.Duration
	// TrackerTimeout bounds one announce to one tracker.
	TrackerTimeout time.Duration
	Options        Options
}

var DefaultAnnouncerConfig = AnnouncerConfig{
	MaxFailures:     5,
	MinBackoff:      15 * time.Second,
	MaxBackoff:      30 * time.Minute,
	DefaultInterval: 30 * time.Minute,
	TrackerTimeout:  time.Minute,
	Options:         DefaultOptions,
}

// Update is what the announcer reports to its owner: a batch of peers, or
// Err wrapping ErrSwarmUnreachable.
type Update struct {
	Peers []peer.Peer
	Err   error
}

// Announcer announces to the trackers of a torrent tier by tier. A tracker
// that answers moves to the front of its tier.
type Announcer struct {
	cfg    AnnouncerConfig
	log    logrus.FieldLogger
	notify chan Event

	mu    sync.Mutex
	tiers [][]Tracker
	last  Tracker
}

// NewAnnouncer builds an announcer for the tracker URLs in tiers. URLs that
// cannot be used are skipped; at least one must remain.
func NewAnnouncer(tiers [][]string, cfg AnnouncerConfig) (*Announcer, error) {
	opts := cfg.Options.withDefaults()
	var trackers [][]Tracker
	for _, tier := range tiers {
		var list []Tracker
		for _, u := range tier {
			t, err := New(u, opts)
			if err != nil {
				opts.Log.WithError(err).WithField("tracker", u).Warn("skipping tracker")
				continue
			}
			list = append(list, t)
		}
		if len(list) > 0 {
			trackers = append(trackers, list)
		}
	}
	if len(trackers) == 0 {
		return nil, errors.New("no usable tracker")
	}
	cfg.Options = opts
	return newAnnouncer(trackers, cfg), nil
}

func newAnnouncer(tiers [][]Tracker, cfg AnnouncerConfig) *Announcer {
	if cfg.Options.Log == nil {
		cfg.Options.Log = logrus.StandardLogger()
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultAnnouncerConfig.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = DefaultAnnouncerConfig.DefaultInterval
	}
	return &Announcer{
		cfg:    cfg,
		log:    cfg.Options.Log,
		notify: make(chan Event, 1),
		tiers:  tiers,
	}
}

// Announce tries every tracker in tier order and returns the first answer.
func (a *Announcer) Announce(ctx context.Context, req Request) (*Response, error) {
	a.mu.Lock()
	tiers := make([][]Tracker, len(a.tiers))
	for i, tier := range a.tiers {
		tiers[i] = append([]Tracker(nil), tier...)
	}
	a.mu.Unlock()

	var lastErr error
	for ti, tier := range tiers {
		for _, t := range tier {
			res, err := a.announce(ctx, t, req)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				a.log.WithError(err).WithField("tracker", t.URL()).Warn("announce failed")
				lastErr = err
				continue
			}
			a.promote(ti, t)
			a.log.WithFields(logrus.Fields{
				"tracker":  t.URL(),
				"event":    req.Event.String(),
				"peers":    len(res.Peers),
				"interval": res.Interval,
			}).Info("announced")
			return res, nil
		}
	}
	return nil, lastErr
}

func (a *Announcer) announce(ctx context.Context, t Tracker, req Request) (*Response, error) {
	if a.cfg.TrackerTimeout <= 0 {
		return t.Announce(ctx, req)
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.TrackerTimeout)
	defer cancel()
	return t.Announce(ctx, req)
}

func (a *Announcer) promote(tier int, t Tracker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = t
	list := a.tiers[tier]
	for i, x := range list {
		if x == t {
			copy(list[1:i+1], list[:i])
			list[0] = t
			return
		}
	}
}

// Notify makes a running announcer announce ev right away.
func (a *Announcer) Notify(ev Event) {
	select {
	case a.notify <- ev:
	default:
		// replace a pending event, the newest one wins
		select {
		case <-a.notify:
		default:
		}
		select {
		case a.notify <- ev:
		default:
		}
	}
}

// Stop sends the stopped event to the tracker that answered last.
func (a *Announcer) Stop(ctx context.Context, req Request) error {
	a.mu.Lock()
	t := a.last
	a.mu.Unlock()
	if t == nil {
		return nil
	}
	req.Event = Stopped
	_, err := t.Announce(ctx, req)
	return err
}

func (a *Announcer) backoff(failures int) time.Duration {
	d := a.cfg.MinBackoff
	for i := 1; i < failures && d < a.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > a.cfg.MaxBackoff {
		d = a.cfg.MaxBackoff
	}
	return d
}

func (a *Announcer) interval(res *Response) time.Duration {
	d := res.Interval
	if d <= 0 {
		d = a.cfg.DefaultInterval
	}
	if res.MinInterval > d {
		d = res.MinInterval
	}
	return d
}

// Run announces started, then re-announces at the tracker's interval until
// ctx is done. stats supplies the current transfer numbers. Failures are
// retried with exponential backoff; after MaxFailures in a row an Update with
// ErrSwarmUnreachable is sent once, and announcing continues.
func (a *Announcer) Run(ctx context.Context, stats func() Request, updates chan<- Update) error {
	event := Started
	// an event notified before started went through waits for it
	queued := None
	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	send := func(u Update) bool {
		select {
		case updates <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.notify:
			if event == Started {
				queued = ev
			} else {
				event = ev
			}
		case <-timer.C:
		}

		req := stats()
		req.Event = event
		res, err := a.Announce(ctx, req)
		if ctx.Err() != nil {
			return nil
		}

		var wait time.Duration
		if err != nil {
			failures++
			wait = a.backoff(failures)
			if a.cfg.MaxFailures > 0 && failures == a.cfg.MaxFailures {
				if !send(Update{Err: fmt.Errorf("%w after %d failed announces: %v", ErrSwarmUnreachable, failures, err)}) {
					return nil
				}
			}
		} else {
			failures = 0
			wait = a.interval(res)
			event, queued = queued, None
			if event != None {
				wait = 0
			}
			if len(res.Peers) > 0 && !send(Update{Peers: res.Peers}) {
				return nil
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bitswarm/peer"
)

const (
	protocolID = 0x41727101980

	actionConnect  = 0
	actionAnnounce = 1
	actionScrape   = 2
	actionError    = 3

	connectLen  = 16
	announceLen = 98

	// a connection id may be reused for a minute
	connectionIDLifetime = time.Minute

	// largest UDP payload over IPv4
	maxPacketSize = 65507
)

var errTimeout = errors.New("no response")

type udpTracker struct {
	host    string
	raw     string
	base    time.Duration
	retries int
	log     logrus.FieldLogger

	mu           sync.Mutex
	connectionID uint64
	connectedAt  time.Time
}

func (t *udpTracker) URL() string {
	return t.raw
}

// Connect request:
//   - 8 bytes protocol id (magic constant)
//   - 4 bytes action (0, connect)
//   - 4 bytes transaction id
func serializeConnect(transactionID uint32) []byte {
	buf := make([]byte, connectLen)
	binary.BigEndian.PutUint64(buf[0:8], protocolID)
	binary.BigEndian.PutUint32(buf[8:12], actionConnect)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	return buf
}

func serializeAnnounce(connectionID uint64, transactionID uint32, req Request) []byte {
	buf := make([]byte, announceLen)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], uint32(req.Event))
	binary.BigEndian.PutUint32(buf[84:88], 0) // default ip
	binary.BigEndian.PutUint32(buf[88:92], req.Key)
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(buf[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(buf[96:98], req.Port)
	return buf
}

func serializeScrape(connectionID uint64, transactionID uint32, infoHashes [][20]byte) []byte {
	buf := make([]byte, 16, 16+20*len(infoHashes))
	binary.BigEndian.PutUint64(buf[0:8], connectionID)
	binary.BigEndian.PutUint32(buf[8:12], actionScrape)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	for _, h := range infoHashes {
		buf = append(buf, h[:]...)
	}
	return buf
}

// roundTrip sends packet and waits for a reply carrying transactionID,
// retransmitting after base*2^n. Replies for other transactions are dropped.
// An error action from the tracker becomes an *Error with its message.
func (t *udpTracker) roundTrip(ctx context.Context, conn net.Conn, packet []byte, transactionID uint32, action uint32) ([]byte, error) {
	buf := make([]byte, maxPacketSize)
	for n := 0; n <= t.retries; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := conn.Write(packet); err != nil {
			return nil, err
		}
		deadline := time.Now().Add(t.base << n)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		conn.SetReadDeadline(deadline)
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for {
			size, err := conn.Read(buf)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					break
				}
				return nil, err
			}
			if size < 8 {
				continue
			}
			if binary.BigEndian.Uint32(buf[4:8]) != transactionID {
				t.log.Debug("dropping reply for another transaction")
				continue
			}
			switch got := binary.BigEndian.Uint32(buf[0:4]); got {
			case action:
				reply := make([]byte, size)
				copy(reply, buf[:size])
				return reply, nil
			case actionError:
				return nil, &Error{URL: t.raw, Reason: string(buf[8:size])}
			default:
				return nil, fmt.Errorf("expected action %d received %d", action, got)
			}
		}
		t.log.WithField("attempt", n+1).Debug("udp tracker timed out, retransmitting")
	}
	return nil, errTimeout
}

// connect returns a connection id, reusing the previous one while it is
// still valid.
func (t *udpTracker) connect(ctx context.Context, conn net.Conn) (uint64, error) {
	t.mu.Lock()
	if !t.connectedAt.IsZero() && time.Since(t.connectedAt) < connectionIDLifetime {
		id := t.connectionID
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	transactionID := rand.Uint32()
	reply, err := t.roundTrip(ctx, conn, serializeConnect(transactionID), transactionID, actionConnect)
	if err != nil {
		return 0, err
	}
	if len(reply) < connectLen {
		return 0, fmt.Errorf("short connect response of %d bytes", len(reply))
	}
	id := binary.BigEndian.Uint64(reply[8:16])

	t.mu.Lock()
	t.connectionID = id
	t.connectedAt = time.Now()
	t.mu.Unlock()
	return id, nil
}

func (t *udpTracker) forget() {
	t.mu.Lock()
	t.connectedAt = time.Time{}
	t.mu.Unlock()
}

func (t *udpTracker) dial(ctx context.Context) (net.Conn, func(), error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", t.host)
	if err != nil {
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	return conn, func() {
		stop()
		conn.Close()
	}, nil
}

// exchange runs connect followed by one request built by build.
func (t *udpTracker) exchange(ctx context.Context, action uint32, build func(connectionID uint64, transactionID uint32) []byte) ([]byte, error) {
	conn, done, err := t.dial(ctx)
	if err != nil {
		return nil, &Error{URL: t.raw, Err: err}
	}
	defer done()

	connectionID, err := t.connect(ctx, conn)
	if err != nil {
		return nil, wrapUDP(t.raw, err)
	}
	transactionID := rand.Uint32()
	reply, err := t.roundTrip(ctx, conn, build(connectionID, transactionID), transactionID, action)
	if err != nil {
		// the id may have expired on the tracker side
		t.forget()
		return nil, wrapUDP(t.raw, err)
	}
	return reply, nil
}

func wrapUDP(url string, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{URL: url, Err: err}
}

// Announce response:
//   - 4 bytes action, 4 bytes transaction id
//   - 4 bytes interval, 4 bytes leechers, 4 bytes seeders
//   - 6 bytes for every peer
func (t *udpTracker) Announce(ctx context.Context, req Request) (*Response, error) {
	reply, err := t.exchange(ctx, actionAnnounce, func(connectionID uint64, transactionID uint32) []byte {
		return serializeAnnounce(connectionID, transactionID, req)
	})
	if err != nil {
		return nil, err
	}
	if len(reply) < 20 {
		return nil, &Error{URL: t.raw, Err: fmt.Errorf("short announce response of %d bytes", len(reply))}
	}
	peers, err := peer.Unmarshal(reply[20:])
	if err != nil {
		return nil, &Error{URL: t.raw, Err: err}
	}
	return &Response{
		Interval: time.Duration(binary.BigEndian.Uint32(reply[8:12])) * time.Second,
		Leechers: int(binary.BigEndian.Uint32(reply[12:16])),
		Seeders:  int(binary.BigEndian.Uint32(reply[16:20])),
		Peers:    peer.Dedupe(peers),
	}, nil
}

// Scrape response carries seeders, completed and leechers, 4 bytes each,
// for every requested hash in order.
func (t *udpTracker) Scrape(ctx context.Context, infoHashes [][20]byte) (map[[20]byte]ScrapeResult, error) {
	reply, err := t.exchange(ctx, actionScrape, func(connectionID uint64, transactionID uint32) []byte {
		return serializeScrape(connectionID, transactionID, infoHashes)
	})
	if err != nil {
		return nil, err
	}
	results := make(map[[20]byte]ScrapeResult, len(infoHashes))
	body := reply[8:]
	for i, h := range infoHashes {
		if len(body) < (i+1)*12 {
			break
		}
		entry := body[i*12:]
		results[h] = ScrapeResult{
			Seeders:   int(binary.BigEndian.Uint32(entry[0:4])),
			Completed: int(binary.BigEndian.Uint32(entry[4:8])),
			Leechers:  int(binary.BigEndian.Uint32(entry[8:12])),
		}
	}
	return results, nil
}

package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeUDPTracker answers connect, announce and scrape requests. Hooks let a
// test drop or garble replies.
type fakeUDPTracker struct {
	conn net.PacketConn

	mu        sync.Mutex
	connects  int
	announces int
	last      []byte

	dropAnnounces int  // drop this many announce requests
	foreignFirst  bool // send a reply with another transaction id first
	refuse        string
	extraPeers    int // peers added to every announce reply
}

func newFakeUDPTracker(t *testing.T, setup ...func(f *fakeUDPTracker)) *fakeUDPTracker {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeUDPTracker{conn: conn}
	for _, fn := range setup {
		fn(f)
	}
	t.Cleanup(func() { conn.Close() })
	go f.serve()
	return f
}

func (f *fakeUDPTracker) url() string {
	return "udp://" + f.conn.LocalAddr().String() + "/announce"
}

func (f *fakeUDPTracker) serve() {
	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := f.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		packet := append([]byte(nil), buf[:n]...)
		if reply := f.handle(packet); reply != nil {
			if f.foreignFirst {
				bogus := append([]byte(nil), reply...)
				binary.BigEndian.PutUint32(bogus[4:8], binary.BigEndian.Uint32(reply[4:8])+1)
				f.conn.WriteTo(bogus, addr)
			}
			f.conn.WriteTo(reply, addr)
		}
	}
}

func (f *fakeUDPTracker) handle(packet []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	action := binary.BigEndian.Uint32(packet[8:12])
	tid := packet[12:16]
	reply := make([]byte, 8)
	copy(reply[4:8], tid)

	if f.refuse != "" && action != actionConnect {
		binary.BigEndian.PutUint32(reply[0:4], actionError)
		return append(reply, f.refuse...)
	}

	switch action {
	case actionConnect:
		if binary.BigEndian.Uint64(packet[0:8]) != protocolID {
			return nil
		}
		f.connects++
		binary.BigEndian.PutUint32(reply[0:4], actionConnect)
		return binary.BigEndian.AppendUint64(reply, 0xc0ffee)
	case actionAnnounce:
		if binary.BigEndian.Uint64(packet[0:8]) != 0xc0ffee {
			return nil
		}
		if f.dropAnnounces > 0 {
			f.dropAnnounces--
			return nil
		}
		f.announces++
		f.last = packet
		binary.BigEndian.PutUint32(reply[0:4], actionAnnounce)
		reply = binary.BigEndian.AppendUint32(reply, 1800) // interval
		reply = binary.BigEndian.AppendUint32(reply, 1)    // leechers
		reply = binary.BigEndian.AppendUint32(reply, 1)    // seeders
		reply = append(reply, 127, 0, 0, 1, 0x1a, 0xe1, 127, 0, 0, 2, 0x1a, 0xe2)
		for i := 0; i < f.extraPeers; i++ {
			reply = append(reply, 10, 0, byte(i>>8), byte(i), 0x1a, 0xe1)
		}
		return reply
	case actionScrape:
		binary.BigEndian.PutUint32(reply[0:4], actionScrape)
		for i := 16; i+20 <= len(packet); i += 20 {
			reply = binary.BigEndian.AppendUint32(reply, 7)
			reply = binary.BigEndian.AppendUint32(reply, 70)
			reply = binary.BigEndian.AppendUint32(reply, 3)
		}
		return reply
	}
	return nil
}

func TestUDPAnnounce(t *testing.T) {
	f := newFakeUDPTracker(t, func(f *fakeUDPTracker) { f.foreignFirst = true })
	tr, err := New(f.url(), testOptions())
	if err != nil {
		t.Fatal(err)
	}

	req := Request{InfoHash: [20]byte{9}, PeerID: [20]byte{8}, Port: 6881, Left: 4096, Event: Started}
	res, err := tr.Announce(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Interval != 1800*time.Second || res.Seeders != 1 || res.Leechers != 1 {
		t.Errorf("unexpected response %+v", res)
	}
	if len(res.Peers) != 2 || res.Peers[1].String() != "127.0.0.2:6882" {
		t.Errorf("unexpected peers %v", res.Peers)
	}

	f.mu.Lock()
	last := f.last
	f.mu.Unlock()
	if len(last) != announceLen {
		t.Fatalf("expected %d byte announce, got %d", announceLen, len(last))
	}
	if last[16] != 9 || last[36] != 8 {
		t.Errorf("info hash or peer id not in place")
	}
	if binary.BigEndian.Uint64(last[64:72]) != 4096 || binary.BigEndian.Uint32(last[80:84]) != uint32(Started) {
		t.Errorf("unexpected left or event")
	}
	if binary.BigEndian.Uint16(last[96:98]) != 6881 {
		t.Errorf("unexpected port")
	}
}

func TestUDPAnnounceManyPeers(t *testing.T) {
	f := newFakeUDPTracker(t, func(f *fakeUDPTracker) { f.extraPeers = 600 })
	tr, _ := New(f.url(), testOptions())
	res, err := tr.Announce(context.Background(), Request{NumWant: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Peers) != 602 {
		t.Errorf("expected 602 peers, got %d", len(res.Peers))
	}
}

func TestUDPConnectionIDReuse(t *testing.T) {
	f := newFakeUDPTracker(t)
	tr, _ := New(f.url(), testOptions())
	for i := 0; i < 3; i++ {
		if _, err := tr.Announce(context.Background(), Request{}); err != nil {
			t.Fatal(err)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connects != 1 || f.announces != 3 {
		t.Errorf("expected 1 connect and 3 announces, got %d and %d", f.connects, f.announces)
	}
}

func TestUDPRetransmit(t *testing.T) {
	f := newFakeUDPTracker(t, func(f *fakeUDPTracker) { f.dropAnnounces = 1 })
	tr, _ := New(f.url(), testOptions())
	if _, err := tr.Announce(context.Background(), Request{}); err != nil {
		t.Fatalf("expected announce to succeed after a retransmission, got %v", err)
	}

	f.mu.Lock()
	f.dropAnnounces = 100
	f.mu.Unlock()
	_, err := tr.Announce(context.Background(), Request{})
	var te *Error
	if !errors.As(err, &te) || !errors.Is(err, errTimeout) {
		t.Errorf("expected timeout tracker error, got %v", err)
	}
}

func TestUDPErrorAction(t *testing.T) {
	f := newFakeUDPTracker(t, func(f *fakeUDPTracker) { f.refuse = "go away" })
	tr, _ := New(f.url(), testOptions())
	_, err := tr.Announce(context.Background(), Request{})
	var te *Error
	if !errors.As(err, &te) || te.Reason != "go away" {
		t.Errorf("expected tracker error with reason, got %v", err)
	}
}

func TestUDPScrape(t *testing.T) {
	f := newFakeUDPTracker(t)
	tr, _ := New(f.url(), testOptions())
	a, b := [20]byte{1}, [20]byte{2}
	results, err := tr.Scrape(context.Background(), [][20]byte{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[b].Completed != 70 || results[a].Seeders != 7 {
		t.Errorf("unexpected scrape results %+v", results)
	}
}

func TestUDPCancel(t *testing.T) {
	f := newFakeUDPTracker(t, func(f *fakeUDPTracker) { f.dropAnnounces = 100 })
	opts := testOptions()
	opts.RetransmitBase = time.Hour
	tr, _ := New(f.url(), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := tr.Announce(ctx, Request{}); err == nil {
		t.Errorf("expected an error after cancellation")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("announce did not return promptly after cancellation")
	}
}

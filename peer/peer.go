package peer

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// Peer is a remote client in the swarm. ID is nil until a tracker or the
// peer's handshake tells us its peer id.
type Peer struct {
	IP   net.IP
	Port uint16
	ID   []byte
}

const (
	compactSize  = 6  // 4 byte IPv4 address + 2 byte port
	compactSize6 = 18 // 16 byte IPv6 address + 2 byte port
)

// Unmarshal parses the compact peer list of a tracker response.
//
// Each peer is 6 bytes long: 4 for IP and 2 for port number.
// Hence, peers list has to be a multiple of 6.
func Unmarshal(peersBinary []byte) ([]Peer, error) {
	return unmarshal(peersBinary, compactSize)
}

// Unmarshal6 parses the compact IPv6 peer list ("peers6"), 18 bytes a peer.
func Unmarshal6(peersBinary []byte) ([]Peer, error) {
	return unmarshal(peersBinary, compactSize6)
}

func unmarshal(peersBinary []byte, size int) ([]Peer, error) {
	if len(peersBinary)%size != 0 {
		return nil, fmt.Errorf("received malformed binary of peers with length %d", len(peersBinary))
	}

	ipLen := size - 2
	numPeers := len(peersBinary) / size
	peers := make([]Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * size
		ip := make(net.IP, ipLen)
		copy(ip, peersBinary[offset:offset+ipLen])
		peers[i].IP = ip
		peers[i].Port = binary.BigEndian.Uint16(peersBinary[offset+ipLen : offset+size])
	}
	return peers, nil
}

// Marshal is the inverse of Unmarshal; IPv6 peers are skipped.
func Marshal(peers []Peer) []byte {
	buf := make([]byte, 0, len(peers)*compactSize)
	for _, p := range peers {
		ip4 := p.IP.To4()
		if ip4 == nil {
			continue
		}
		buf = append(buf, ip4...)
		buf = binary.BigEndian.AppendUint16(buf, p.Port)
	}
	return buf
}

// Parse turns "ip:port" into a Peer.
func Parse(addr string) (Peer, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Peer{}, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Peer{}, fmt.Errorf("invalid peer address %q", host)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid peer port %q", port)
	}
	return Peer{IP: ip, Port: uint16(n)}, nil
}

// Return Peer ip and port with suitable format - ip:port
func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Dedupe drops peers whose address was already seen, keeping the first. A
// peer id from a later duplicate fills in a missing one.
func Dedupe(peers []Peer) []Peer {
	index := make(map[string]int, len(peers))
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		addr := p.String()
		if i, ok := index[addr]; ok {
			if out[i].ID == nil && p.ID != nil {
				out[i].ID = p.ID
			}
			continue
		}
		index[addr] = len(out)
		out = append(out, p)
	}
	return out
}

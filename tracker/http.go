package tracker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/sirupsen/logrus"

	"bitswarm/peer"
)

type httpTracker struct {
	url    *url.URL
	raw    string
	client *http.Client
	log    logrus.FieldLogger
}

func (t *httpTracker) URL() string {
	return t.raw
}

func (t *httpTracker) announceURL(req Request) string {
	u := *t.url
	params := u.Query()
	params.Set("info_hash", string(req.InfoHash[:]))
	params.Set("peer_id", string(req.PeerID[:]))
	params.Set("port", strconv.Itoa(int(req.Port)))
	params.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	params.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	params.Set("left", strconv.FormatInt(req.Left, 10))
	params.Set("compact", "1")
	if req.Event != None {
		params.Set("event", req.Event.String())
	}
	if req.NumWant > 0 {
		params.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Key != 0 {
		params.Set("key", strconv.FormatUint(uint64(req.Key), 16))
	}
	u.RawQuery = params.Encode()
	return u.String()
}

// get fetches u and decodes the bencoded body into a dictionary. A
// "failure reason" key turns into an *Error.
func (t *httpTracker) get(ctx context.Context, u string) (map[string]interface{}, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{URL: t.raw, Err: err}
	}
	response, err := t.client.Do(request)
	if err != nil {
		return nil, &Error{URL: t.raw, Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, &Error{URL: t.raw, Err: fmt.Errorf("unexpected status %s", response.Status)}
	}

	decoded, err := bencode.Decode(response.Body)
	if err != nil {
		return nil, &Error{URL: t.raw, Err: fmt.Errorf("malformed response: %w", err)}
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, &Error{URL: t.raw, Err: fmt.Errorf("response is not a dictionary")}
	}
	if reason, ok := dict["failure reason"].(string); ok {
		return nil, &Error{URL: t.raw, Reason: reason}
	}
	return dict, nil
}

func (t *httpTracker) Announce(ctx context.Context, req Request) (*Response, error) {
	dict, err := t.get(ctx, t.announceURL(req))
	if err != nil {
		return nil, err
	}

	res := Response{
		Interval:    seconds(dict["interval"]),
		MinInterval: seconds(dict["min interval"]),
		Seeders:     toInt(dict["complete"]),
		Leechers:    toInt(dict["incomplete"]),
	}
	if warning, ok := dict["warning message"].(string); ok {
		res.Warning = warning
		t.log.WithField("warning", warning).Warn("tracker warning")
	}

	res.Peers, err = parsePeers(dict["peers"], t.log)
	if err != nil {
		return nil, &Error{URL: t.raw, Err: err}
	}
	if peers6, ok := dict["peers6"].(string); ok {
		more, err := peer.Unmarshal6([]byte(peers6))
		if err != nil {
			return nil, &Error{URL: t.raw, Err: err}
		}
		res.Peers = append(res.Peers, more...)
	}
	res.Peers = peer.Dedupe(res.Peers)
	return &res, nil
}

// parsePeers accepts the compact string form as well as the older list
// of {"peer id", "ip", "port"} dictionaries. Unusable entries of the list
// are skipped.
func parsePeers(v interface{}, log logrus.FieldLogger) ([]peer.Peer, error) {
	switch peers := v.(type) {
	case nil:
		return nil, nil
	case string:
		return peer.Unmarshal([]byte(peers))
	case []interface{}:
		var out []peer.Peer
		for i, item := range peers {
			dict, ok := item.(map[string]interface{})
			if !ok {
				log.WithField("peer", i).Debug("skipping peer that is not a dictionary")
				continue
			}
			host, _ := dict["ip"].(string)
			ip := net.ParseIP(host)
			port := toInt(dict["port"])
			// TODO: resolve host names, the list form allows them
			if ip == nil || port <= 0 || port > 65535 {
				log.WithField("peer", i).Debugf("skipping peer with invalid address %q:%d", host, port)
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				ip = ip4
			}
			p := peer.Peer{IP: ip, Port: uint16(port)}
			if id, ok := dict["peer id"].(string); ok && len(id) == 20 {
				p.ID = []byte(id)
			}
			out = append(out, p)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected peers value of type %T", v)
	}
}

// scrapeURL derives the scrape URL by replacing the final "announce" path
// component, which is the only convention trackers follow.
func (t *httpTracker) scrapeURL(infoHashes [][20]byte) (string, error) {
	u := *t.url
	i := strings.LastIndex(u.Path, "/")
	if i < 0 || !strings.HasPrefix(u.Path[i+1:], "announce") {
		return "", &Error{URL: t.raw, Err: ErrScrapeUnsupported}
	}
	u.Path = u.Path[:i+1] + "scrape" + strings.TrimPrefix(u.Path[i+1:], "announce")
	params := u.Query()
	for _, h := range infoHashes {
		params.Add("info_hash", string(h[:]))
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

func (t *httpTracker) Scrape(ctx context.Context, infoHashes [][20]byte) (map[[20]byte]ScrapeResult, error) {
	u, err := t.scrapeURL(infoHashes)
	if err != nil {
		return nil, err
	}
	dict, err := t.get(ctx, u)
	if err != nil {
		return nil, err
	}
	files, _ := dict["files"].(map[string]interface{})

	results := make(map[[20]byte]ScrapeResult, len(files))
	for key, v := range files {
		stats, ok := v.(map[string]interface{})
		if !ok || len(key) != 20 {
			continue
		}
		var h [20]byte
		copy(h[:], key)
		results[h] = ScrapeResult{
			Seeders:   toInt(stats["complete"]),
			Completed: toInt(stats["downloaded"]),
			Leechers:  toInt(stats["incomplete"]),
		}
	}
	return results, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case uint64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func seconds(v interface{}) time.Duration {
	return time.Duration(toInt(v)) * time.Second
}

package torrentfile

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"strings"

	"bitswarm/bencode"
)

// ErrInvalidMetainfo is returned for descriptors that decode fine but do not
// describe a usable torrent.
var ErrInvalidMetainfo = errors.New("invalid metainfo")

const hashLength = 20

// FileEntry is one file of the torrent. Path holds the path components
// relative to the download directory; Offset is where the file starts in the
// linear torrent byte stream.
type FileEntry struct {
	Path   []string
	Length int64
	Offset int64
}

// TorrentInfo is the immutable description of a torrent.
type TorrentInfo struct {
	Announce     string
	AnnounceList [][]string
	InfoHash     [20]byte
	PieceLength  int
	PieceHashes  [][20]byte
	Length       int64
	Name         string
	Files        []FileEntry
	Private      bool
}

// Open reads and parses a .torrent file.
func Open(path string) (*TorrentInfo, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(buf)
}

// Parse decodes a torrent descriptor. Dictionary key order is not enforced.
func Parse(buf []byte) (*TorrentInfo, error) {
	root, err := bencode.Decode(buf)
	if err != nil {
		return nil, err
	}
	return fromValue(buf, root)
}

// ParseStrict is Parse that rejects dictionaries with unsorted keys.
func ParseStrict(buf []byte) (*TorrentInfo, error) {
	root, err := bencode.DecodeStrict(buf)
	if err != nil {
		return nil, err
	}
	return fromValue(buf, root)
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidMetainfo, fmt.Sprintf(format, args...))
}

func fromValue(buf []byte, root bencode.Value) (*TorrentInfo, error) {
	if root.Kind != bencode.Dict {
		return nil, invalid("top level is a %s, not a dictionary", root.Kind)
	}
	info, ok := root.Get("info")
	if !ok || info.Kind != bencode.Dict {
		return nil, invalid("missing info dictionary")
	}

	tf := TorrentInfo{
		// the swarm identifier is the hash of the info dictionary exactly as
		// it appeared in the descriptor
		InfoHash: sha1.Sum(info.Raw(buf)),
	}

	if announce, ok := root.Get("announce"); ok && announce.Kind == bencode.String {
		tf.Announce = string(announce.Str)
	}
	if list, ok := root.Get("announce-list"); ok && list.Kind == bencode.List {
		tf.AnnounceList = announceTiers(list)
	}

	pieceLength, err := intField(info, "piece length")
	if err != nil {
		return nil, err
	}
	if pieceLength <= 0 || pieceLength > 1<<30 {
		return nil, invalid("piece length %d out of range", pieceLength)
	}
	tf.PieceLength = int(pieceLength)

	tf.PieceHashes, err = pieceHashes(info)
	if err != nil {
		return nil, err
	}

	name, ok := info.Get("name")
	if !ok || name.Kind != bencode.String || len(name.Str) == 0 {
		return nil, invalid("missing name")
	}
	tf.Name = string(name.Str)
	if err := checkPathComponent(tf.Name); err != nil {
		return nil, err
	}

	if private, ok := info.Get("private"); ok && private.Kind == bencode.Integer {
		tf.Private = private.Int == 1
	}

	tf.Files, err = fileEntries(info, tf.Name)
	if err != nil {
		return nil, err
	}
	for _, f := range tf.Files {
		tf.Length += f.Length
	}
	if tf.Length == 0 {
		return nil, invalid("torrent has no content")
	}

	expected := (tf.Length + int64(tf.PieceLength) - 1) / int64(tf.PieceLength)
	if expected != int64(len(tf.PieceHashes)) {
		return nil, invalid("%d piece hashes for %d bytes at piece length %d", len(tf.PieceHashes), tf.Length, tf.PieceLength)
	}
	return &tf, nil
}

func intField(dict bencode.Value, key string) (int64, error) {
	v, ok := dict.Get(key)
	if !ok || v.Kind != bencode.Integer {
		return 0, invalid("missing integer %q", key)
	}
	return v.Int, nil
}

func pieceHashes(info bencode.Value) ([][20]byte, error) {
	pieces, ok := info.Get("pieces")
	if !ok || pieces.Kind != bencode.String {
		return nil, invalid("missing pieces")
	}
	buf := pieces.Str
	if len(buf)%hashLength != 0 {
		return nil, invalid("received incorrect number of pieces with length %d", len(buf))
	}

	numHashes := len(buf) / hashLength
	hashes := make([][20]byte, numHashes)
	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], buf[i*hashLength:(i+1)*hashLength])
	}
	return hashes, nil
}

// Single file torrents carry "length"; multi file torrents carry "files",
// each with a path relative to a directory called name.
func fileEntries(info bencode.Value, name string) ([]FileEntry, error) {
	files, multi := info.Get("files")
	if !multi {
		length, err := intField(info, "length")
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, invalid("negative length %d", length)
		}
		return []FileEntry{{Path: []string{name}, Length: length}}, nil
	}

	if files.Kind != bencode.List || len(files.List) == 0 {
		return nil, invalid("files is not a non-empty list")
	}
	entries := make([]FileEntry, 0, len(files.List))
	var offset int64
	for i, f := range files.List {
		if f.Kind != bencode.Dict {
			return nil, invalid("file %d is not a dictionary", i)
		}
		length, err := intField(f, "length")
		if err != nil {
			return nil, err
		}
		if length < 0 {
			return nil, invalid("file %d has negative length", i)
		}
		path, ok := f.Get("path")
		if !ok || path.Kind != bencode.List || len(path.List) == 0 {
			return nil, invalid("file %d has no path", i)
		}
		components := []string{name}
		for _, p := range path.List {
			if p.Kind != bencode.String {
				return nil, invalid("file %d has a non-string path component", i)
			}
			if err := checkPathComponent(string(p.Str)); err != nil {
				return nil, err
			}
			components = append(components, string(p.Str))
		}
		entries = append(entries, FileEntry{Path: components, Length: length, Offset: offset})
		offset += length
	}
	return entries, nil
}

// path components must stay inside the download directory
func checkPathComponent(p string) error {
	if p == "" || p == "." || p == ".." || strings.ContainsAny(p, "/\\\x00") {
		return invalid("unsafe path component %q", p)
	}
	return nil
}

func announceTiers(list bencode.Value) [][]string {
	var tiers [][]string
	for _, tier := range list.List {
		if tier.Kind != bencode.List {
			continue
		}
		var urls []string
		for _, u := range tier.List {
			if u.Kind == bencode.String && len(u.Str) > 0 {
				urls = append(urls, strings.TrimSpace(string(u.Str)))
			}
		}
		if len(urls) > 0 {
			tiers = append(tiers, urls)
		}
	}
	return tiers
}

// Tiers returns the trackers grouped by tier. Without an announce-list the
// single announce URL forms the only tier.
func (tf *TorrentInfo) Tiers() [][]string {
	if len(tf.AnnounceList) > 0 {
		tiers := make([][]string, len(tf.AnnounceList))
		for i, tier := range tf.AnnounceList {
			tiers[i] = append([]string(nil), tier...)
		}
		return tiers
	}
	if tf.Announce == "" {
		return nil
	}
	return [][]string{{tf.Announce}}
}

func (tf *TorrentInfo) NumPieces() int {
	return len(tf.PieceHashes)
}

// PieceBounds returns the [begin, end) byte range of a piece in the torrent.
func (tf *TorrentInfo) PieceBounds(index int) (int64, int64) {
	begin := int64(index) * int64(tf.PieceLength)
	end := begin + int64(tf.PieceLength)
	if end > tf.Length {
		end = tf.Length
	}
	return begin, end
}

func (tf *TorrentInfo) PieceSize(index int) int {
	begin, end := tf.PieceBounds(index)
	return int(end - begin)
}

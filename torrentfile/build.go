package torrentfile

import (
	"crypto/sha1"
	"fmt"

	"bitswarm/bencode"
)

// BuildFile describes one file of a multi file torrent for Build. Path is
// relative to the torrent directory.
type BuildFile struct {
	Path   []string
	Length int64
}

// Build creates a bencoded descriptor for content. With no files it describes
// a single file called name; otherwise the file lengths must add up to
// len(content).
func Build(name, announce string, pieceLength int, files []BuildFile, content []byte) ([]byte, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("piece length must be positive, got %d", pieceLength)
	}

	var pieces []byte
	for begin := 0; begin < len(content); begin += pieceLength {
		end := begin + pieceLength
		if end > len(content) {
			end = len(content)
		}
		h := sha1.Sum(content[begin:end])
		pieces = append(pieces, h[:]...)
	}

	info := map[string]bencode.Value{
		"name":         bencode.NewString(name),
		"piece length": bencode.NewInt(int64(pieceLength)),
		"pieces":       bencode.NewBytes(pieces),
	}
	if len(files) == 0 {
		info["length"] = bencode.NewInt(int64(len(content)))
	} else {
		var total int64
		list := make([]bencode.Value, 0, len(files))
		for _, f := range files {
			path := make([]bencode.Value, len(f.Path))
			for i, p := range f.Path {
				path[i] = bencode.NewString(p)
			}
			list = append(list, bencode.NewDict(map[string]bencode.Value{
				"length": bencode.NewInt(f.Length),
				"path":   bencode.NewList(path...),
			}))
			total += f.Length
		}
		if total != int64(len(content)) {
			return nil, fmt.Errorf("file lengths add up to %d, content is %d bytes", total, len(content))
		}
		info["files"] = bencode.NewList(list...)
	}

	root := map[string]bencode.Value{
		"info": bencode.NewDict(info),
	}
	if announce != "" {
		root["announce"] = bencode.NewString(announce)
	}
	return bencode.Encode(bencode.NewDict(root)), nil
}

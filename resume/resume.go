package resume

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackpal/bencode-go"

	"bitswarm/bitfield"
)

// State is persisted next to a download so that a restart only has to
// re-hash the pieces it claims instead of everything.
type State struct {
	InfoHash string `bencode:"info hash"`
	Pieces   string `bencode:"pieces"`
	Uploaded int64  `bencode:"uploaded"`
}

func New(infoHash [20]byte, bf bitfield.Bitfield, uploaded int64) *State {
	return &State{
		InfoHash: string(infoHash[:]),
		Pieces:   string(bf),
		Uploaded: uploaded,
	}
}

// Bitfield returns the pieces the state claims to be complete.
func (s *State) Bitfield() bitfield.Bitfield {
	return bitfield.Bitfield(s.Pieces)
}

// Load reads a resume file. A missing file is not an error; the state is
// nil then.
func Load(path string, infoHash [20]byte, numPieces int) (*State, error) {
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var s State
	if err := bencode.Unmarshal(bytes.NewReader(buf), &s); err != nil {
		return nil, fmt.Errorf("resume file %s: %w", path, err)
	}
	if s.InfoHash != string(infoHash[:]) {
		return nil, fmt.Errorf("resume file %s belongs to another torrent", path)
	}
	if err := s.Bitfield().Validate(numPieces); err != nil {
		return nil, fmt.Errorf("resume file %s: %w", path, err)
	}
	return &s, nil
}

// Save writes s atomically by renaming a temporary file over path.
func Save(path string, s *State) error {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, *s); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

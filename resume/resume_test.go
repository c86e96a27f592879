package resume

import (
	"os"
	"path/filepath"
	"testing"

	"bitswarm/bitfield"
)

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.resume")
	hash := [20]byte{1, 2, 3}
	bf := bitfield.New(10)
	bf.SetPiece(0)
	bf.SetPiece(9)

	if err := Save(path, New(hash, bf, 1234)); err != nil {
		t.Fatal(err)
	}
	s, err := Load(path, hash, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := s.Bitfield()
	if !got.HasPiece(0) || !got.HasPiece(9) || got.Count() != 2 {
		t.Errorf("expected pieces 0 and 9, got %08b", got)
	}
	if s.Uploaded != 1234 {
		t.Errorf("expected 1234 uploaded, got %d", s.Uploaded)
	}

	// saving again replaces the file
	bf.SetPiece(5)
	if err := Save(path, New(hash, bf, 0)); err != nil {
		t.Fatal(err)
	}
	s, _ = Load(path, hash, 10)
	if s.Bitfield().Count() != 3 {
		t.Errorf("expected 3 pieces after the second save, got %d", s.Bitfield().Count())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected no temporary files left behind, got %d entries", len(entries))
	}
}

func TestLoadMissing(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "none"), [20]byte{}, 1)
	if s != nil || err != nil {
		t.Errorf("expected nil state and nil error, got %v, %v", s, err)
	}
}

func TestLoadMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.resume")
	Save(path, New([20]byte{1}, bitfield.New(8), 0))

	if _, err := Load(path, [20]byte{2}, 8); err == nil {
		t.Errorf("expected an error for another torrent's state")
	}
	if _, err := Load(path, [20]byte{1}, 20); err == nil {
		t.Errorf("expected an error for a bitfield of the wrong size")
	}

	os.WriteFile(path, []byte("garbage"), 0o644)
	if _, err := Load(path, [20]byte{1}, 8); err == nil {
		t.Errorf("expected an error for a corrupt file")
	}
}

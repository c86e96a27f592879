package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"

	"bitswarm/torrentfile"
)

// ErrStorage marks every error coming out of this package. Storage errors
// end the session; retrying a full disk is pointless.
var ErrStorage = errors.New("storage error")

type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// Storage maps the linear torrent byte stream onto the files on disk.
// ReadAt and WriteAt may be called concurrently for non-overlapping ranges.
type Storage interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Preallocate creates every file at its final length.
	Preallocate() error
}

type Kind string

const (
	File Kind = "file"
	Mmap Kind = "mmap"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case File, Mmap:
		return k, nil
	default:
		return "", fmt.Errorf("unknown storage %q, want %q or %q", s, File, Mmap)
	}
}

// Open creates the files of a torrent under dir, preallocated to their
// final lengths, and returns a Storage of the given kind over them.
func Open(dir string, files []torrentfile.FileEntry, kind Kind, log logrus.FieldLogger) (Storage, error) {
	layout := NewLayout(files)
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = filepath.Join(append([]string{dir}, f.Path...)...)
	}

	var s Storage
	switch kind {
	case File, "":
		s = &fileStorage{layout: layout, paths: paths}
	case Mmap:
		s = &mmapStorage{fileStorage: fileStorage{layout: layout, paths: paths}}
	default:
		return nil, fmt.Errorf("unknown storage %q", kind)
	}
	if err := s.Preallocate(); err != nil {
		s.Close()
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"dir":     dir,
		"files":   len(files),
		"size":    datasize.ByteSize(layout.Total()).HumanReadable(),
		"storage": kind,
	}).Debug("storage ready")
	return s, nil
}

func openFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &Error{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &Error{Op: "open", Path: path, Err: err}
	}
	return f, nil
}

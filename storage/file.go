package storage

import (
	"errors"
	"os"
	"sync"
)

// fileStorage writes through os.File.WriteAt, one handle per file.
type fileStorage struct {
	layout Layout
	paths  []string

	once  sync.Once
	files []*os.File
}

func (s *fileStorage) Preallocate() error {
	var err error
	s.once.Do(func() {
		s.files = make([]*os.File, len(s.paths))
		for i, path := range s.paths {
			var f *os.File
			f, err = openFile(path)
			if err != nil {
				return
			}
			s.files[i] = f
			if perr := preallocate(f, s.layout.files[i].Length); perr != nil {
				err = &Error{Op: "preallocate", Path: path, Err: perr}
				return
			}
		}
	})
	return err
}

func (s *fileStorage) WriteAt(p []byte, off int64) (int, error) {
	spans, err := s.layout.Locate(off, len(p))
	if err != nil {
		return 0, &Error{Op: "write", Path: "torrent", Err: err}
	}
	n := 0
	for _, span := range spans {
		w, err := s.files[span.File].WriteAt(p[span.Begin:span.Begin+span.Length], span.Offset)
		n += w
		if err != nil {
			return n, &Error{Op: "write", Path: s.paths[span.File], Err: err}
		}
	}
	return n, nil
}

func (s *fileStorage) ReadAt(p []byte, off int64) (int, error) {
	spans, err := s.layout.Locate(off, len(p))
	if err != nil {
		return 0, &Error{Op: "read", Path: "torrent", Err: err}
	}
	n := 0
	for _, span := range spans {
		r, err := s.files[span.File].ReadAt(p[span.Begin:span.Begin+span.Length], span.Offset)
		n += r
		if err != nil {
			return n, &Error{Op: "read", Path: s.paths[span.File], Err: err}
		}
	}
	return n, nil
}

func (s *fileStorage) Close() error {
	var errs []error
	for i, f := range s.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil {
			errs = append(errs, &Error{Op: "close", Path: s.paths[i], Err: err})
		}
	}
	s.files = nil
	return errors.Join(errs...)
}

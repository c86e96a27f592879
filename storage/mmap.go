package storage

import (
	"errors"
	"fmt"

	"github.com/edsrzf/mmap-go"
)

// mmapStorage maps every file into memory and copies blocks in and out of
// the mappings. Zero length files are not mapped.
type mmapStorage struct {
	fileStorage
	maps []mmap.MMap
}

func (s *mmapStorage) Preallocate() error {
	if s.maps != nil {
		return nil
	}
	if err := s.fileStorage.Preallocate(); err != nil {
		return err
	}
	maps := make([]mmap.MMap, len(s.files))
	for i, f := range s.files {
		if s.layout.files[i].Length == 0 {
			continue
		}
		m, err := mmap.Map(f, mmap.RDWR, 0)
		if err != nil {
			s.maps = maps
			return &Error{Op: "mmap", Path: s.paths[i], Err: err}
		}
		maps[i] = m
	}
	s.maps = maps
	return nil
}

func (s *mmapStorage) WriteAt(p []byte, off int64) (int, error) {
	spans, err := s.layout.Locate(off, len(p))
	if err != nil {
		return 0, &Error{Op: "write", Path: "torrent", Err: err}
	}
	n := 0
	for _, span := range spans {
		m := s.maps[span.File]
		if m == nil {
			return n, &Error{Op: "write", Path: s.paths[span.File], Err: fmt.Errorf("not mapped")}
		}
		n += copy(m[span.Offset:], p[span.Begin:span.Begin+span.Length])
	}
	return n, nil
}

func (s *mmapStorage) ReadAt(p []byte, off int64) (int, error) {
	spans, err := s.layout.Locate(off, len(p))
	if err != nil {
		return 0, &Error{Op: "read", Path: "torrent", Err: err}
	}
	n := 0
	for _, span := range spans {
		m := s.maps[span.File]
		if m == nil {
			return n, &Error{Op: "read", Path: s.paths[span.File], Err: fmt.Errorf("not mapped")}
		}
		n += copy(p[span.Begin:span.Begin+span.Length], m[span.Offset:])
	}
	return n, nil
}

// Close flushes and unmaps every file before closing the handles.
func (s *mmapStorage) Close() error {
	var errs []error
	for i, m := range s.maps {
		if m == nil {
			continue
		}
		if err := m.Flush(); err != nil {
			errs = append(errs, &Error{Op: "flush", Path: s.paths[i], Err: err})
		}
		if err := m.Unmap(); err != nil {
			errs = append(errs, &Error{Op: "unmap", Path: s.paths[i], Err: err})
		}
	}
	s.maps = nil
	if err := s.fileStorage.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

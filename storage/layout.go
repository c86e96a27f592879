package storage

import (
	"fmt"
	"sort"

	"bitswarm/torrentfile"
)

// Span is the part of a read or write that falls into one file.
type Span struct {
	File   int   // index into the file list
	Offset int64 // offset within the file
	Begin  int   // offset within the caller's buffer
	Length int
}

// Layout translates torrent offsets into file offsets.
type Layout struct {
	files []torrentfile.FileEntry
	ends  []int64
}

func NewLayout(files []torrentfile.FileEntry) Layout {
	l := Layout{files: files, ends: make([]int64, len(files))}
	var end int64
	for i, f := range files {
		end += f.Length
		l.ends[i] = end
	}
	return l
}

func (l Layout) Total() int64 {
	if len(l.ends) == 0 {
		return 0
	}
	return l.ends[len(l.ends)-1]
}

// Locate splits the range [off, off+n) into per file spans, in order.
// Zero length files never appear.
func (l Layout) Locate(off int64, n int) ([]Span, error) {
	if off < 0 || n < 0 || off+int64(n) > l.Total() {
		return nil, fmt.Errorf("range %d+%d outside of %d bytes", off, n, l.Total())
	}
	// first file whose end lies beyond off
	i := sort.Search(len(l.ends), func(i int) bool { return l.ends[i] > off })

	var spans []Span
	done := 0
	for done < n && i < len(l.files) {
		start := l.ends[i] - l.files[i].Length
		pos := off + int64(done) - start
		length := l.files[i].Length - pos
		if rest := int64(n - done); length > rest {
			length = rest
		}
		if length > 0 {
			spans = append(spans, Span{File: i, Offset: pos, Begin: done, Length: int(length)})
			done += int(length)
		}
		i++
	}
	return spans, nil
}

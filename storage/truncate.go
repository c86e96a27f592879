package storage

import "os"

// truncate sets the length of f to size unless it already has it.
func truncate(f *os.File, size int64) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() == size {
		return nil
	}
	return f.Truncate(size)
}

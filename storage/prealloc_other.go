//go:build !linux

package storage

import "os"

func preallocate(f *os.File, size int64) error {
	return truncate(f, size)
}

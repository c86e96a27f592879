package piece

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
)

// Recheck hashes the pieces in claimed from storage and marks the intact
// ones verified. It returns how many passed.
func (m *Manager) Recheck(ctx context.Context, claimed View) (int, error) {
	ok := 0
	buf := make([]byte, m.info.PieceLength)
	for i := 0; i < m.info.NumPieces(); i++ {
		if !claimed.HasPiece(i) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ok, err
		}
		begin, end := m.info.PieceBounds(i)
		piece := buf[:end-begin]
		if _, err := m.store.ReadAt(piece, begin); err != nil {
			return ok, fmt.Errorf("reading piece %d: %w", i, err)
		}
		if hash := sha1.Sum(piece); bytes.Equal(hash[:], m.info.PieceHashes[i][:]) {
			m.MarkVerified(i)
			ok++
		}
	}
	m.log.WithField("pieces", ok).Info("recheck done")
	return ok, nil
}

package peer

import (
	"math/rand"
)

// ClientPrefix identifies this client in Azureus style peer ids.
const ClientPrefix = "-BS0100-"

const symbols = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"

// GeneratePeerID returns ClientPrefix followed by random characters.
func GeneratePeerID() [20]byte {
	peerID := [20]byte{}
	n := copy(peerID[:], ClientPrefix)
	for i := n; i < len(peerID); i++ {
		peerID[i] = symbols[rand.Intn(len(symbols))]
	}
	return peerID
}

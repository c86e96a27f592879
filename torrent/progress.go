package torrent

import (
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/gosuri/uiprogress"
)

func (c *Client) startProgress() {
	uiprogress.Start()
	bar := uiprogress.AddBar(c.info.NumPieces())
	bar.Set(c.pieces.Verified())
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "pieces: " + strconv.Itoa(c.pieces.Verified()) + "/" + strconv.Itoa(c.info.NumPieces())
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(c.conns.Size())
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return datasize.ByteSize(c.pieces.Downloaded()).HumanReadable()
	})
	bar.AppendElapsed()
	c.bar = bar
}

func (c *Client) stopProgress() {
	if c.bar != nil {
		uiprogress.Stop()
	}
}

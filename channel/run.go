package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"bitswarm/message"
	"bitswarm/piece"
)

type readResult struct {
	msg message.Message
	err error
}

// Run exchanges messages with the remote until ctx is done, the connection
// breaks or the remote violates the protocol. Whatever way it ends, the
// blocks assigned to this channel go back to the manager. Run returns nil
// only when ctx was cancelled.
func (c *Channel) Run(ctx context.Context) (err error) {
	m := c.opts.Manager
	defer func() {
		close(c.done)
		c.conn.Close()
		released := m.ReleaseAssignments(c.opts.ID)
		m.RemoveAvailability(c.bitfield)

		state := Closed
		if errors.Is(err, ErrProtocolViolation) {
			state = Failed
		}
		c.setState(state)
		c.log.WithFields(logrus.Fields{"released": released, "state": state}).WithError(err).Debug("channel done")
	}()

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	reads := make(chan readResult)
	go c.readLoop(reads)

	c.lastRead = time.Now()
	if bf := m.Bitfield(); bf.Count() > 0 {
		if err := c.write(message.Bitfield{Bits: bf}); err != nil {
			return c.closed(ctx, err)
		}
	}

	tick := c.opts.KeepAliveInterval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		if err := c.fillPipeline(); err != nil {
			return c.closed(ctx, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case r := <-reads:
			if r.err != nil {
				return c.closed(ctx, r.err)
			}
			c.lastRead = time.Now()
			if err := c.handle(r.msg); err != nil {
				return c.closed(ctx, err)
			}
		case cmd := <-c.commands:
			if err := c.command(cmd); err != nil {
				return c.closed(ctx, err)
			}
		case now := <-ticker.C:
			last := c.lastRead
			if c.lastWrite.After(last) {
				last = c.lastWrite
			}
			if now.Sub(last) >= c.opts.KeepAliveInterval {
				if err := c.write(message.KeepAlive{}); err != nil {
					return c.closed(ctx, err)
				}
			}
		}
	}
}

// readLoop parses messages off the socket. Nothing arriving within
// IdleTimeout ends the connection.
func (c *Channel) readLoop(reads chan<- readResult) {
	r := bufio.NewReaderSize(c.conn, 32*1024)
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		msg, err := message.Read(r)
		select {
		case reads <- readResult{msg, err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// closed classifies the error that ended Run.
func (c *Channel) closed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, message.ErrTooLarge) || errors.Is(err, message.ErrUnknownID) || errors.Is(err, message.ErrMalformed) {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (c *Channel) violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

func (c *Channel) handle(msg message.Message) error {
	m := c.opts.Manager
	if _, ok := msg.(message.KeepAlive); ok {
		return nil
	}
	first := !c.gotMessage
	c.gotMessage = true
	c.log.WithField("msg", msg).Trace("received")

	switch msg := msg.(type) {
	case message.Choke:
		c.mu.Lock()
		c.choked = true
		c.mu.Unlock()
		// outstanding requests will not be served
		if n := m.ReleaseAssignments(c.opts.ID); n > 0 {
			c.log.WithField("blocks", n).Debug("choked, released requests")
		}
		c.pending = make(map[piece.Block]time.Time)
	case message.Unchoke:
		c.mu.Lock()
		c.choked = false
		c.mu.Unlock()
	case message.Interested:
		c.peerInterested = true
		if c.opts.Upload && c.amChoking {
			c.amChoking = false
			return c.write(message.Unchoke{})
		}
	case message.NotInterested:
		c.peerInterested = false
	case message.Have:
		index := int(msg.Index)
		if index >= m.NumPieces() {
			return c.violation("have for piece %d of %d", index, m.NumPieces())
		}
		if !c.bitfield.HasPiece(index) {
			c.bitfield.SetPiece(index)
			m.IncAvailability(index)
		}
		return c.updateInterest()
	case message.Bitfield:
		if !first {
			return c.violation("bitfield after other messages")
		}
		if err := msg.Bits.Validate(m.NumPieces()); err != nil {
			return c.violation("%v", err)
		}
		c.bitfield = msg.Bits.Clone()
		m.AddAvailability(c.bitfield)
		return c.updateInterest()
	case message.Request:
		return c.serve(msg)
	case message.Piece:
		return c.receive(msg)
	case message.Cancel, message.Port:
		// requests are served as they come in, there is never a queue to
		// cancel from; no DHT
	}
	return nil
}

// receive hands a block to the manager if we asked for it.
func (c *Channel) receive(msg message.Piece) error {
	b := piece.Block{Index: int(msg.Index), Begin: int(msg.Begin), Length: len(msg.Block)}
	if _, ok := c.pending[b]; !ok {
		c.log.WithField("block", b).Debug("discarding unrequested block")
		return nil
	}
	delete(c.pending, b)
	c.downloaded.Add(int64(b.Length))

	res, err := c.opts.Manager.SubmitBlock(c.opts.ID, b.Index, b.Begin, msg.Block)
	if errors.Is(err, piece.ErrInvalidBlock) {
		c.log.WithError(err).Debug("discarding block")
		return nil
	}
	if err != nil {
		return err
	}
	if res == piece.Verified {
		c.log.WithField("piece", b.Index).Debug("completed piece")
	}
	return nil
}

// serve answers a request for a piece we have, when we are not choking the
// remote. Anything else is ignored.
func (c *Channel) serve(msg message.Request) error {
	if msg.Length > maxRequestLength {
		return c.violation("request for %d bytes", msg.Length)
	}
	if c.amChoking {
		return nil
	}
	data, err := c.opts.Manager.ReadBlock(int(msg.Index), int(msg.Begin), int(msg.Length))
	if err != nil {
		if errors.Is(err, piece.ErrNotVerified) || errors.Is(err, piece.ErrInvalidBlock) {
			c.log.WithError(err).Debug("ignoring request")
			return nil
		}
		return err
	}
	if err := c.write(message.Piece{Index: msg.Index, Begin: msg.Begin, Block: data}); err != nil {
		return err
	}
	c.uploaded.Add(int64(len(data)))
	return nil
}

func (c *Channel) command(cmd command) error {
	switch cmd.kind {
	case cmdCancel:
		if _, ok := c.pending[cmd.block]; !ok {
			return nil
		}
		delete(c.pending, cmd.block)
		b := cmd.block
		return c.write(message.Cancel{Index: uint32(b.Index), Begin: uint32(b.Begin), Length: uint32(b.Length)})
	case cmdHave:
		if err := c.write(message.Have{Index: uint32(cmd.index)}); err != nil {
			return err
		}
		return c.updateInterest()
	}
	return nil
}

// updateInterest tells the remote whether it has something we still need.
func (c *Channel) updateInterest() error {
	want := c.opts.Manager.Interesting(c.bitfield)
	c.mu.Lock()
	changed := want != c.interested
	c.interested = want
	c.mu.Unlock()
	if !changed {
		return nil
	}
	if want {
		return c.write(message.Interested{})
	}
	return c.write(message.NotInterested{})
}

// fillPipeline requests blocks until MaxPipelineDepth are outstanding. No
// request is ever issued while the remote chokes us.
func (c *Channel) fillPipeline() error {
	c.mu.Lock()
	blocked := c.choked || !c.interested
	c.mu.Unlock()
	if blocked {
		return nil
	}
	for len(c.pending) < c.opts.MaxPipelineDepth {
		b, ok := c.opts.Manager.NextBlockFor(c.opts.ID, c.bitfield)
		if !ok {
			return nil
		}
		c.pending[b] = time.Now()
		err := c.write(message.Request{Index: uint32(b.Index), Begin: uint32(b.Begin), Length: uint32(b.Length)})
		if err != nil {
			return err
		}
	}
	return nil
}

package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-varint"
)

// link is the connection to one peer. Frames carrying a tag nobody is
// waiting for are queued until a Recv asks for that tag.
type link struct {
	conn net.Conn

	wmu sync.Mutex
	w   msgio.WriteCloser

	rmu     sync.Mutex
	r       msgio.ReadCloser
	pending map[int][][]byte
}

// send writes frame, which must start with the encoded tag.
func (lk *link) send(ctx context.Context, frame []byte) error {
	lk.wmu.Lock()
	defer lk.wmu.Unlock()
	stop := watch(ctx, lk.conn.SetWriteDeadline)
	defer stop()
	if err := lk.w.WriteMsg(frame); err != nil {
		return contextError(ctx, err)
	}
	return nil
}

func (lk *link) recv(ctx context.Context, tag int, deliver func([]byte) error) error {
	lk.rmu.Lock()
	defer lk.rmu.Unlock()
	if queue := lk.pending[tag]; len(queue) > 0 {
		lk.pending[tag] = queue[1:]
		return deliver(queue[0])
	}
	stop := watch(ctx, lk.conn.SetReadDeadline)
	defer stop()
	for {
		msg, err := lk.r.ReadMsg()
		if err != nil {
			return contextError(ctx, err)
		}
		got, n, err := decodeTag(msg)
		if err != nil {
			lk.r.ReleaseMsg(msg)
			return fmt.Errorf("malformed frame: %w", err)
		}
		if got == tag {
			err := deliver(msg[n:])
			lk.r.ReleaseMsg(msg)
			return err
		}
		data := make([]byte, len(msg)-n)
		copy(data, msg[n:])
		lk.r.ReleaseMsg(msg)
		lk.pending[got] = append(lk.pending[got], data)
	}
}

func (lk *link) writeHello(ctx context.Context, rank int) error {
	return lk.send(ctx, append(encodeTag(helloTag), varint.ToUvarint(uint64(rank))...))
}

func (lk *link) readHello(ctx context.Context) (int, error) {
	var rank int
	err := lk.recv(ctx, helloTag, func(data []byte) error {
		r, _, err := varint.FromUvarint(data)
		rank = int(r)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("hello: %w", err)
	}
	return rank, nil
}

// watch interrupts blocked I/O when ctx is done by moving the deadline to now.
func watch(ctx context.Context, setDeadline func(time.Time) error) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	fired := make(chan struct{})
	after := context.AfterFunc(ctx, func() {
		_ = setDeadline(time.Now())
		close(fired)
	})
	return func() {
		if !after() {
			<-fired
		}
		_ = setDeadline(time.Time{})
	}
}

func contextError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

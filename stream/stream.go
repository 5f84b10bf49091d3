// Package stream implements pingpong.Communicator over plain TCP.
//
// Every pair of ranks shares one TCP connection: the higher rank dials the
// lower one and introduces itself with a hello frame. Messages are varint
// length-prefixed frames whose payload starts with the zigzag-encoded tag
// followed by the little-endian float64 values.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"
	"github.com/multiformats/go-varint"
	"golang.org/x/sync/errgroup"

	"github.com/luca-patrignani/pingpong/pingpong"
)

const (
	helloTag   = -1
	barrierTag = -2

	dialRetryInterval = 50 * time.Millisecond
	frameOverhead     = 16
)

// Conn is a full mesh of TCP connections among the ranks of a group.
type Conn struct {
	rank    int
	size    int
	links   map[int]*link
	maxSize int
	timeout time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

type Option func(*Conn)

// WithTimeout bounds the time spent establishing the mesh. Zero waits forever.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Conn) {
		c.timeout = timeout
	}
}

// WithMaxMessageSize sets the largest message, in bytes, that Recv accepts.
func WithMaxMessageSize(size int) Option {
	return func(c *Conn) {
		c.maxSize = size + frameOverhead
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

// Dial connects rank to every other address and returns once the whole mesh
// is up. l must be listening on addresses[rank]; it is closed before Dial returns.
func Dial(ctx context.Context, rank int, addresses map[int]string, l net.Listener, opts ...Option) (*Conn, error) {
	if _, ok := addresses[rank]; !ok {
		return nil, fmt.Errorf("%w: %d has no address", pingpong.ErrInvalidRank, rank)
	}
	c := &Conn{
		rank:    rank,
		size:    len(addresses),
		links:   make(map[int]*link),
		maxSize: pingpong.DefaultConfig().MaxMessageBytes() + frameOverhead,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var lower, higher []int
	for r := range addresses {
		switch {
		case r < rank:
			lower = append(lower, r)
		case r > rank:
			higher = append(higher, r)
		}
	}
	sort.Ints(lower)

	var mu sync.Mutex
	eg, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() {
		l.Close()
	})
	defer stop()
	eg.Go(func() error {
		for range higher {
			conn, err := l.Accept()
			if err != nil {
				return fmt.Errorf("accept: %w", err)
			}
			lk := c.newLink(conn)
			peer, err := lk.readHello(ctx)
			if err != nil {
				conn.Close()
				return err
			}
			if _, ok := addresses[peer]; !ok || peer <= rank {
				conn.Close()
				return fmt.Errorf("unexpected hello from rank %d", peer)
			}
			mu.Lock()
			c.links[peer] = lk
			mu.Unlock()
			c.logger.Debug("accepted peer", "rank", rank, "peer", peer)
		}
		return nil
	})
	for _, peer := range lower {
		eg.Go(func() error {
			conn, err := dialWithRetry(ctx, addresses[peer])
			if err != nil {
				return err
			}
			lk := c.newLink(conn)
			if err := lk.writeHello(ctx, rank); err != nil {
				conn.Close()
				return err
			}
			mu.Lock()
			c.links[peer] = lk
			mu.Unlock()
			c.logger.Debug("connected to peer", "rank", rank, "peer", peer)
			return nil
		})
	}
	err := eg.Wait()
	err = errors.Join(err, ignoreClosed(l.Close()))
	if err != nil {
		for _, lk := range c.links {
			lk.conn.Close()
		}
		return nil, err
	}
	return c, nil
}

func dialWithRetry(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", addr, errors.Join(ctx.Err(), err))
		case <-time.After(dialRetryInterval):
		}
	}
}

func (c *Conn) Rank() int {
	return c.rank
}

func (c *Conn) Size() int {
	return c.size
}

func (c *Conn) Send(ctx context.Context, buf []float64, dest, tag int) error {
	lk, err := c.link(dest, tag)
	if err != nil {
		return err
	}
	return lk.send(ctx, pingpong.AppendBuffer(encodeTag(tag), buf))
}

func (c *Conn) Recv(ctx context.Context, buf []float64, source, tag int) error {
	lk, err := c.link(source, tag)
	if err != nil {
		return err
	}
	return lk.recv(ctx, tag, func(data []byte) error {
		return pingpong.UnmarshalBuffer(data, buf)
	})
}

// Close waits until every peer has called Close, then drops the connections.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.barrier(context.Background())
		for _, lk := range c.links {
			c.closeErr = errors.Join(c.closeErr, ignoreClosed(lk.conn.Close()))
		}
	})
	return c.closeErr
}

func (c *Conn) barrier(ctx context.Context) error {
	var eg errgroup.Group
	for _, lk := range c.links {
		eg.Go(func() error {
			if err := lk.send(ctx, encodeTag(barrierTag)); err != nil {
				return err
			}
			return lk.recv(ctx, barrierTag, func([]byte) error { return nil })
		})
	}
	return eg.Wait()
}

func (c *Conn) link(peer, tag int) (*link, error) {
	if tag < 0 {
		return nil, fmt.Errorf("negative tag %d is reserved", tag)
	}
	lk, ok := c.links[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %d", pingpong.ErrInvalidRank, peer)
	}
	return lk, nil
}

func (c *Conn) newLink(conn net.Conn) *link {
	return &link{
		conn:    conn,
		r:       msgio.NewVarintReaderSize(conn, c.maxSize),
		w:       msgio.NewVarintWriter(conn),
		pending: make(map[int][][]byte),
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func encodeTag(tag int) []byte {
	return varint.ToUvarint(uint64((tag << 1) ^ (tag >> 63)))
}

func decodeTag(frame []byte) (tag int, n int, err error) {
	u, n, err := varint.FromUvarint(frame)
	if err != nil {
		return 0, 0, err
	}
	return int(u>>1) ^ -int(u&1), n, nil
}

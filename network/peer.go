package network

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	collectivePath    = "/collective"
	pointToPointPath  = "/p2p"
	retryInterval     = 10 * time.Millisecond
	headerClock       = "Clock"
	headerSenderRank  = "SenderRank"
	headerTag         = "Tag"
	headerReceiveRank = "ReceiverRank"
)

// Peer is an helper struct for communication between nodes.
// the Rank is an identifier of the Peer.
// Addresses[i] contains the address (host:port) to reach the Peer with Rank i.
type Peer struct {
	Rank      int
	Addresses map[int]string
	clock     uint64
	seqMu     sync.Mutex
	seq       map[mailboxKey]uint64
	server    *http.Server
	handler   *handler
	client    *http.Client
	tlsConfig *tls.Config
	scheme    string
	timeout   time.Duration
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// NewPeer creates a plain HTTP peer and starts serving on l.
// A zero timeout makes every blocking operation wait forever.
func NewPeer(rank int, addresses map[int]string, l net.Listener, timeout time.Duration) *Peer {
	p := NewPeerWithOptions(rank, addresses, WithTimeout(timeout))
	p.Start(l)
	return p
}

// Close stops the HTTP server. Pending operations fail.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.handler.shutdown()
		p.closeErr = p.server.Shutdown(context.Background())
	})
	return p.closeErr
}

// Send delivers data to the Peer with Rank dest, labelled with tag.
// It returns once dest has taken the message with a matching Recv.
// Connection failures are retried until the timeout of the Peer expires.
func (p *Peer) Send(ctx context.Context, data []byte, dest, tag int) error {
	addr, ok := p.Addresses[dest]
	if !ok || dest == p.Rank {
		return fmt.Errorf("no peer with rank %d", dest)
	}
	key := mailboxKey{rank: dest, tag: tag}
	p.seqMu.Lock()
	p.seq[key]++
	seq := p.seq[key]
	p.seqMu.Unlock()

	headers := map[string]string{
		headerClock:       strconv.FormatUint(seq, 10),
		headerSenderRank:  strconv.Itoa(p.Rank),
		headerReceiveRank: strconv.Itoa(dest),
		headerTag:         strconv.Itoa(tag),
	}
	return p.post(ctx, addr, pointToPointPath, headers, data)
}

// Recv returns the next message sent by the Peer with Rank source labelled with tag.
func (p *Peer) Recv(ctx context.Context, source, tag int) ([]byte, error) {
	if _, ok := p.Addresses[source]; !ok || source == p.Rank {
		return nil, fmt.Errorf("no peer with rank %d", source)
	}
	mb := p.handler.mailbox(mailboxKey{rank: source, tag: tag})
	timeout := p.timeoutChannel()
	for {
		select {
		case env := <-mb.envelopes:
			if env.seq <= mb.delivered.Load() {
				// retransmission of a message already received
				continue
			}
			mb.delivered.Store(env.seq)
			return env.content, nil
		case <-p.handler.closed:
			return nil, net.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, fmt.Errorf("receive from %d with tag %d timed out", source, tag)
		}
	}
}

// Peer with Rank root sends the content of bufferSend to every node.
// bufferRecv will contain the value sent by the Peer with Rank root.
// This function will implicitly synchronize the peers.
func (p *Peer) Broadcast(bufferSend []byte, root int) ([]byte, error) {
	bufferRecv, err := p.broadcastNoBarrier(bufferSend, root)
	if err != nil {
		return nil, err
	}
	err = p.barrier()
	if err != nil {
		return nil, err
	}
	return bufferRecv, nil
}

// Each caller of AllToAll sends the content of bufferSend to every node.
// bufferRecv[i] will contain the value sent by the Peer with Rank i.
// This function will implicitly synchronize the peers.
func (p *Peer) AllToAll(bufferSend []byte) (bufferRecv [][]byte, err error) {
	size, b := maxKey(p.Addresses)
	if !b {
		return nil, fmt.Errorf("no addresses found")
	}

	var orderedRanks []int
	for k := range p.Addresses {
		orderedRanks = append(orderedRanks, k)
	}
	sort.Ints(orderedRanks)

	bufferRecv = make([][]byte, size+1)
	for _, i := range orderedRanks {
		recv, err := p.broadcastNoBarrier(bufferSend, i)
		if err != nil {
			return nil, err
		}
		bufferRecv[i] = recv
	}
	return
}

// barrier synchronizes the peers.
// In particular this method guarantees that no Peer's control flow will
// leave this function until every peer has entered this function.
func (p *Peer) barrier() error {
	_, err := p.AllToAll(nil)
	return err
}

// helper function for creating n addresses localhost:PORT
func CreateAddresses(n int) map[int]string {
	addresses := make(map[int]string)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(err)
		}
		addresses[i] = l.Addr().String()
		if err := l.Close(); err != nil {
			panic(err)
		}
	}
	return addresses
}

func CreateListeners(n int) (map[int]net.Listener, map[int]string) {
	listeners := make(map[int]net.Listener)
	addresses := make(map[int]string)
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp", "localhost:0")
		if err != nil {
			panic(err)
		}
		listeners[i] = l
		addresses[i] = l.Addr().String()
	}
	return listeners, addresses
}

// Peer with Rank root sends the content of bufferSend to every node.
// bufferRecv will contain the value sent by the Peer with Rank root.
func (p *Peer) broadcastNoBarrier(bufferSend []byte, root int) ([]byte, error) {
	p.clock++
	if root == p.Rank {
		ranks := make([]int, 0, len(p.Addresses))
		for i := range p.Addresses {
			if i != p.Rank {
				ranks = append(ranks, i)
			}
		}
		sort.Ints(ranks)
		for _, i := range ranks {
			headers := map[string]string{
				headerClock:       fmt.Sprint(p.clock),
				headerSenderRank:  fmt.Sprint(p.Rank),
				headerReceiveRank: fmt.Sprint(i),
			}
			if err := p.post(context.Background(), p.Addresses[i], collectivePath, headers, bufferSend); err != nil {
				return nil, err
			}
		}
		return bufferSend, nil
	}
	p.handler.clock.Store(p.clock)
	p.handler.active.Store(true)
	defer p.handler.active.Store(false)
	select {
	case recv := <-p.handler.contentChannel:
		return recv, nil
	case err := <-p.handler.errChannel:
		return nil, err
	case <-p.handler.closed:
		return nil, net.ErrClosed
	case <-p.timeoutChannel():
		err := p.Close()
		return nil, errors.Join(err, fmt.Errorf("the peer waiting for connection timed out"))
	}
}

// post retries until the receiver answers http.StatusAccepted.
func (p *Peer) post(ctx context.Context, addr, path string, headers map[string]string, body []byte) error {
	url := p.scheme + "://" + addr + path
	start := time.Now()
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := p.client.Do(req)
		if err == nil {
			status := resp.StatusCode
			if err := resp.Body.Close(); err != nil {
				return err
			}
			if status == http.StatusAccepted {
				return nil
			}
			err = fmt.Errorf("status code %d", status)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.timeout > 0 && time.Since(start) > p.timeout {
			return fmt.Errorf("connection attempts timed out with error %w", err)
		}
		if attempt%100 == 0 {
			p.logger.Debug("retrying post", "address", addr, "path", path, "attempt", attempt, "error", err)
		}
		select {
		case <-time.After(retryInterval):
		case <-ctx.Done():
			return ctx.Err()
		case <-p.handler.closed:
			return net.ErrClosed
		}
	}
}

func (p *Peer) timeoutChannel() <-chan time.Time {
	if p.timeout > 0 {
		return time.After(p.timeout)
	}
	return nil
}

func maxKey(m map[int]string) (max int, ok bool) {
	ok = false
	for k := range m {
		if !ok || k > max {
			max = k
			ok = true
		}
	}
	return
}

func copyMap(original map[int]string) map[int]string {
	copied := make(map[int]string)
	for k, v := range original {
		copied[k] = v
	}
	return copied
}

package network

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
)

type mailboxKey struct {
	rank int
	tag  int
}

type envelope struct {
	seq     uint64
	content []byte
}

// mailbox holds the messages of one (sender, tag) pair.
// delivered is the sequence number of the last message handed to Recv.
type mailbox struct {
	envelopes chan envelope
	delivered atomic.Uint64
}

type handler struct {
	// collective state
	active         atomic.Bool
	clock          atomic.Uint64
	contentChannel chan []byte
	errChannel     chan error

	mu        sync.Mutex
	mailboxes map[mailboxKey]*mailbox

	closed    chan struct{}
	closeOnce sync.Once
}

func newHandler() *handler {
	return &handler{
		contentChannel: make(chan []byte),
		errChannel:     make(chan error),
		mailboxes:      make(map[mailboxKey]*mailbox),
		closed:         make(chan struct{}),
	}
}

func (h *handler) mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(collectivePath, h.serveCollective)
	mux.HandleFunc(pointToPointPath, h.servePointToPoint)
	return mux
}

func (h *handler) mailbox(key mailboxKey) *mailbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	mb, ok := h.mailboxes[key]
	if !ok {
		mb = &mailbox{envelopes: make(chan envelope)}
		h.mailboxes[key] = mb
	}
	return mb
}

func (h *handler) shutdown() {
	h.closeOnce.Do(func() {
		close(h.closed)
	})
}

func (h *handler) serveCollective(rw http.ResponseWriter, req *http.Request) {
	if !h.active.Load() {
		rw.WriteHeader(http.StatusNotAcceptable)
		return
	}
	senderClock, err := strconv.ParseUint(req.Header.Get(headerClock), 10, 64)
	if err != nil {
		rw.WriteHeader(http.StatusNotAcceptable)
		h.reportError(req, fmt.Errorf("from handler: Clock field is missing or not a number"))
		return
	}
	if senderClock != h.clock.Load() {
		rw.WriteHeader(http.StatusNotAcceptable)
		return
	}
	content, err := io.ReadAll(req.Body)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		h.reportError(req, fmt.Errorf("from handler: %v", err))
		return
	}
	select {
	case h.contentChannel <- content:
		rw.WriteHeader(http.StatusAccepted)
	case <-h.closed:
		rw.WriteHeader(http.StatusServiceUnavailable)
	case <-req.Context().Done():
	}
}

// servePointToPoint answers only once a Recv has taken the message, which
// makes the sender's request block for the whole transfer.
func (h *handler) servePointToPoint(rw http.ResponseWriter, req *http.Request) {
	sender, err1 := strconv.Atoi(req.Header.Get(headerSenderRank))
	tag, err2 := strconv.Atoi(req.Header.Get(headerTag))
	seq, err3 := strconv.ParseUint(req.Header.Get(headerClock), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	content, err := io.ReadAll(req.Body)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	mb := h.mailbox(mailboxKey{rank: sender, tag: tag})
	if seq <= mb.delivered.Load() {
		rw.WriteHeader(http.StatusAccepted)
		return
	}
	select {
	case mb.envelopes <- envelope{seq: seq, content: content}:
		rw.WriteHeader(http.StatusAccepted)
	case <-h.closed:
		rw.WriteHeader(http.StatusServiceUnavailable)
	case <-req.Context().Done():
	}
}

func (h *handler) reportError(req *http.Request, err error) {
	select {
	case h.errChannel <- err:
	case <-h.closed:
	case <-req.Context().Done():
	}
}

package discovery

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

type Discover struct {
	Entries   chan Entry
	info      string
	port      uint16
	startPort uint16
	endPort   uint16
	server    *http.Server
	client    *http.Client
	attempts  uint
	interval  time.Duration
	done      chan struct{}
	closeOnce *sync.Once
}

type option func(Discover) Discover

// NewWithOptions binds the first free port of the range and starts scanning.
// With zero attempts the range is scanned until Close.
func NewWithOptions(info string, opts ...option) (*Discover, error) {
	d := Discover{
		Entries:   make(chan Entry),
		info:      info,
		startPort: 9000,
		endPort:   9010,
		attempts:  1,
		interval:  time.Second,
		client:    &http.Client{Timeout: time.Second},
		done:      make(chan struct{}),
		closeOnce: &sync.Once{},
	}
	for _, opt := range opts {
		d = opt(d)
	}

	var l net.Listener
	var err error
	var port uint16
	for port = d.startPort; port <= d.endPort; port++ {
		l, err = net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
		if err == nil {
			d.port = port
			break
		}
	}
	if err != nil {
		return nil, err
	}
	d.server = &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", port),
		Handler: handler{info: info},
	}
	go func() {
		if err := d.server.Serve(l); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()
	go func() {
		for i := uint(0); d.attempts == 0 || i < d.attempts; i++ {
			d.search()
			select {
			case <-d.done:
				return
			case <-time.After(d.interval):
			}
		}
	}()
	return &d, nil
}

func WithPortRange(startPort, endPort uint16) option {
	return func(d Discover) Discover {
		d.startPort = startPort
		d.endPort = endPort
		return d
	}
}

func WithAttempts(attempts uint) option {
	return func(d Discover) Discover {
		d.attempts = attempts
		return d
	}
}

func WithInterval(interval time.Duration) option {
	return func(d Discover) Discover {
		d.interval = interval
		return d
	}
}

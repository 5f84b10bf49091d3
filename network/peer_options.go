package network

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type PeerOption func(*Peer)

// NewPeerWithOptions creates a Peer without starting it. Call Start to serve.
func NewPeerWithOptions(rank int, addresses map[int]string, opts ...PeerOption) *Peer {
	handler := newHandler()
	p := &Peer{
		Rank:      rank,
		Addresses: copyMap(addresses),
		clock:     0,
		seq:       make(map[mailboxKey]uint64),
		server:    &http.Server{Addr: addresses[rank], Handler: handler.mux()},
		handler:   handler,
		client:    &http.Client{Transport: &http.Transport{}},
		scheme:    "http",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start serves incoming messages on l, wrapped in TLS when a certificate was configured.
func (p *Peer) Start(l net.Listener) {
	if p.tlsConfig != nil {
		l = tls.NewListener(l, p.tlsConfig)
	}
	go func() {
		err := p.server.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("peer server stopped", "rank", p.Rank, "error", err)
		}
	}()
}

func WithTimeout(timeout time.Duration) PeerOption {
	return func(p *Peer) {
		p.timeout = timeout
	}
}

func WithLogger(logger *slog.Logger) PeerOption {
	return func(p *Peer) {
		p.logger = logger
	}
}

func WithCertificate(cert tls.Certificate) PeerOption {
	return func(p *Peer) {
		if p.tlsConfig == nil {
			p.tlsConfig = &tls.Config{}
		}
		p.tlsConfig.Certificates = append(p.tlsConfig.Certificates, cert)
		p.client.Transport = &http.Transport{
			TLSClientConfig: p.tlsConfig,
		}
		p.scheme = "https"
	}
}

func WithLimitedCAs(certPool *x509.CertPool) PeerOption {
	return func(p *Peer) {
		if p.tlsConfig == nil {
			p.tlsConfig = &tls.Config{}
		}
		p.tlsConfig.RootCAs = certPool
		p.tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		p.tlsConfig.ClientCAs = certPool
		p.client.Transport = &http.Transport{
			TLSClientConfig: p.tlsConfig,
		}
	}
}

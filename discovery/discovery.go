// Package discovery lets processes started on the same host find each other
// without being told the addresses of their peers.
//
// Each process serves its info over HTTP on the first free port of a
// localhost port range, and repeatedly scans the range for the info of the
// others. Discovered entries are delivered on the Entries channel.
package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
)

type Entry struct {
	Info string
}

type handler struct {
	info string
}

func (h handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := w.Write([]byte(h.info)); err != nil {
		return
	}
}

// Port returns the port this instance announces itself on.
func (d *Discover) Port() uint16 {
	return d.port
}

func (d *Discover) search() {
	for port := d.startPort; port <= d.endPort; port++ {
		if port == d.port {
			continue
		}
		resp, err := d.client.Get(fmt.Sprintf("http://localhost:%d", port))
		if err != nil {
			continue
		}
		buf, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			continue
		}
		select {
		case d.Entries <- Entry{Info: string(buf)}:
		case <-d.done:
			return
		}
	}
}

func (d *Discover) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	return d.server.Shutdown(context.Background())
}

// Collect reads entries until n-1 distinct peers have been found and returns
// the info of all n processes, own included, sorted.
func Collect(ctx context.Context, d *Discover, n int) ([]string, error) {
	found := map[string]struct{}{d.info: {}}
	for len(found) < n {
		select {
		case entry := <-d.Entries:
			found[entry.Info] = struct{}{}
		case <-ctx.Done():
			return nil, fmt.Errorf("found %d of %d peers: %w", len(found)-1, n-1, ctx.Err())
		}
	}
	infos := make([]string, 0, n)
	for info := range found {
		infos = append(infos, info)
	}
	sort.Strings(infos)
	return infos, nil
}

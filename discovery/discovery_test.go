package discovery

import (
	"context"
	"fmt"
	"slices"
	"testing"
	"time"
)

// startNodes starts n instances announcing "0".."n-1". They are closed at the
// end of the test, after every node is done scanning.
func startNodes(t *testing.T, n int, opts ...option) []*Discover {
	nodes := make([]*Discover, n)
	for i := range n {
		d, err := NewWithOptions(fmt.Sprint(i), opts...)
		if err != nil {
			t.Fatal(err)
		}
		nodes[i] = d
	}
	t.Cleanup(func() {
		for _, d := range nodes {
			if err := d.Close(); err != nil {
				t.Error(err)
			}
		}
	})
	return nodes
}

func TestDiscover(t *testing.T) {
	n := 5
	nodes := startNodes(t, n, WithPortRange(9000, 9010), WithAttempts(0), WithInterval(100*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	fatal := make(chan error, n)
	for i, d := range nodes {
		go func() {
			set := make(map[string]struct{})
			for len(set) < n-1 {
				select {
				case entry := <-d.Entries:
					t.Logf("from node %d: %s", i, entry)
					set[entry.Info] = struct{}{}
				case <-ctx.Done():
					fatal <- fmt.Errorf("node %d found %d of %d entries: %w", i, len(set), n-1, ctx.Err())
					return
				}
			}
			for j := range n {
				if j == i {
					continue
				}
				if _, ok := set[fmt.Sprint(j)]; !ok {
					fatal <- fmt.Errorf("node %d did not find entry %d", i, j)
					return
				}
			}
			fatal <- nil
		}()
	}
	for range n {
		if err := <-fatal; err != nil {
			t.Fatal(err)
		}
	}
}

func TestCollect(t *testing.T) {
	n := 3
	nodes := startNodes(t, n, WithPortRange(9100, 9110), WithAttempts(0), WithInterval(100*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results := make(chan []string, n)
	fatal := make(chan error, n)
	for _, d := range nodes {
		go func() {
			infos, err := Collect(ctx, d, n)
			if err != nil {
				fatal <- err
				return
			}
			results <- infos
		}()
	}
	expected := []string{"0", "1", "2"}
	for range n {
		select {
		case err := <-fatal:
			t.Fatal(err)
		case infos := <-results:
			if !slices.Equal(infos, expected) {
				t.Fatalf("expected %v, actual %v", expected, infos)
			}
		}
	}
}

func TestCollectTimeout(t *testing.T) {
	d, err := NewWithOptions("alone", WithPortRange(9200, 9201), WithAttempts(0), WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := Collect(ctx, d, 2); err == nil {
		t.Fatal("expected a timeout with no peers around")
	}
}

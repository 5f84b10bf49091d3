package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luca-patrignani/pingpong/pingpong"
)

func TestAllToAll(t *testing.T) {
	n := 3
	listeners, addresses := CreateListeners(n)
	fatal := make(chan error, 3*n)
	for i := 0; i < n; i++ {
		go func() {
			peer := NewPeer(i, addresses, listeners[i], 30*time.Second)
			p := NewComm(peer)
			defer func() {
				fatal <- p.Close()
			}()
			actual, err := peer.AllToAll([]byte(strconv.Itoa(i)))
			if err != nil {
				fatal <- err
				return
			}
			if len(actual) != n {
				fatal <- fmt.Errorf("from peer %d: expected list of length %d, %v given", i, n, actual)
				return
			}
			for j := 0; j < n; j++ {
				if strconv.Itoa(j) != string(actual[j]) {
					fatal <- fmt.Errorf("from peer %d: expected %d, actual %v", i, j, actual[j])
					return
				}
			}
		}()
	}
	for i := 0; i < n; i++ {
		err := <-fatal
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestBroadcast(t *testing.T) {
	n := 10
	listeners, addresses := CreateListeners(n)
	root := 3
	fatal := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			peer := NewPeer(i, addresses, listeners[i], 30*time.Second)
			p := NewComm(peer)
			defer func() {
				fatal <- p.Close()
			}()
			time.Sleep(time.Millisecond * 100 * time.Duration(p.Rank()))
			recv, err := peer.Broadcast([]byte{0, byte(10 * i)}, root)
			time.Sleep(time.Millisecond * 100 * time.Duration(p.Rank()))
			if err != nil {
				fatal <- err
				return
			}
			if len(recv) != 2 {
				fatal <- fmt.Errorf("expected length 2, %v received", recv)
			}
			if recv[1] != byte(root*10) {
				fatal <- fmt.Errorf("expected %d, actual %d", recv[1], root*10)
				return
			}
		}(i)
	}
	for i := 0; i < n; i++ {
		err := <-fatal
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestBroadcastTimeout(t *testing.T) {
	n := 10
	listeners, addresses := CreateListeners(n)
	root := 0
	fatal := make(chan error, n)
	for i := 0; i < n-1; i++ {
		go func() {
			peer := NewPeer(i, addresses, listeners[i], 30*time.Second)
			p := NewComm(peer)
			_, err := peer.Broadcast([]byte{0, byte(10 * i)}, root)
			if err != nil {
				fatal <- fmt.Errorf("from player %d: %w", i, err)
				return
			}
			fatal <- p.Close()
		}()
	}
	for i := 0; i < n-1; i++ {
		err := <-fatal
		if err == nil {
			t.Fatal(err)
		}
		t.Log(err)
	}
}

func TestBroadcastTwoPeers(t *testing.T) {
	listeners, addresses := CreateListeners(2)
	fatal := make(chan error)
	for i := 0; i < 2; i++ {
		go func() {
			peer := NewPeer(i, addresses, listeners[i], 30*time.Second)
			p := NewComm(peer)
			defer func() {
				fatal <- p.Close()
			}()
			time.Sleep(time.Second * time.Duration(i+1))
			recv, err := peer.Broadcast([]byte{'0'}, 0)
			if err != nil {
				fatal <- err
				return
			}
			if recv[0] != '0' {
				fatal <- fmt.Errorf("from peer %d: expected %s, actual %s", i, "0", recv)
				return
			}
			time.Sleep(time.Second * time.Duration(i+1))
			recv, err = peer.Broadcast([]byte{'1'}, 1)
			if err != nil {
				fatal <- err
				return
			}
			if recv[0] != '1' {
				fatal <- fmt.Errorf("from peer %d: expected %s, actual %s", i, "1", recv)
				return
			}
		}()
	}
	for i := 0; i < 2; i++ {
		err := <-fatal
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestBroadcastBarrier(t *testing.T) {
	n := 10
	listeners, addresses := CreateListeners(n)
	fatal := make(chan error, n)
	clocks := make(chan int, 2*n)
	for i := 0; i < n; i++ {
		go func(i int) {
			peer := NewPeer(i, addresses, listeners[i], 30*time.Second)
			p := NewComm(peer)
			defer func() {
				fatal <- p.Close()
			}()
			time.Sleep(time.Millisecond * 100 * time.Duration(p.Rank()))
			clocks <- 0
			_, err := peer.Broadcast(nil, 0)
			time.Sleep(time.Millisecond * 100 * time.Duration(p.Rank()))
			clocks <- 1
			if err != nil {
				fatal <- err
				return
			}
		}(i)
	}
	for i := 0; i < n; i++ {
		err := <-fatal
		if err != nil {
			t.Fatal(err)
		}
	}
	close(clocks)
	prev := 0
	for time := range clocks {
		if prev > time {
			t.Fatalf("clocks out of sync: prev %d, time %d", prev, time)
		} else {
			prev = time
		}
	}
}

func TestAllToAllBarrier(t *testing.T) {
	n := 10
	listeners, addresses := CreateListeners(n)
	fatal := make(chan error, n)
	clocks := make(chan int, 2*n)
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			peer := NewPeer(i, addresses, listeners[i], 30*time.Second)
			p := NewComm(peer)
			time.Sleep(time.Millisecond * 100 * time.Duration(p.Rank()))
			clocks <- 0
			_, err := peer.AllToAll([]byte{})
			time.Sleep(time.Millisecond * 100 * time.Duration(p.Rank()))
			if err != nil {
				fatal <- err
				return
			}
			if err := p.Close(); err != nil {
				fatal <- err
				return
			}
			clocks <- 1
		}(i)
	}
	wg.Wait()
	close(fatal)
	for err := range fatal {
		t.Error(err)
	}
	close(clocks)
	prev := 0
	for time := range clocks {
		if prev > time {
			t.Fatalf("clocks out of sync: prev %d, time %d", prev, time)
		} else {
			prev = time
		}
	}
}

func TestSendRecvPingPong(t *testing.T) {
	listeners, addresses := CreateListeners(2)
	fatal := make(chan error, 4)
	for i := 0; i < 2; i++ {
		go func() {
			p := NewComm(NewPeer(i, addresses, listeners[i], 30*time.Second))
			defer func() {
				fatal <- p.Close()
			}()
			if err := p.Init(); err != nil {
				fatal <- err
				return
			}
			buf := make([]float64, 1024)
			for round := 0; round < 10; round++ {
				if i == 0 {
					for j := range buf {
						buf[j] = float64(round*j + 1)
					}
					if err := p.Send(context.Background(), buf, 1, 10); err != nil {
						fatal <- err
						return
					}
					clear(buf)
					if err := p.Recv(context.Background(), buf, 1, 20); err != nil {
						fatal <- err
						return
					}
					if buf[3] != float64(round*3+1)*2 {
						fatal <- fmt.Errorf("round %d: expected %v, actual %v", round, float64(round*3+1)*2, buf[3])
						return
					}
				} else {
					if err := p.Recv(context.Background(), buf, 0, 10); err != nil {
						fatal <- err
						return
					}
					for j := range buf {
						buf[j] *= 2
					}
					if err := p.Send(context.Background(), buf, 0, 20); err != nil {
						fatal <- err
						return
					}
				}
			}
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-fatal; err != nil {
			t.Fatal(err)
		}
	}
}

func TestRecvByTag(t *testing.T) {
	listeners, addresses := CreateListeners(2)
	sender := NewPeer(0, addresses, listeners[0], 30*time.Second)
	receiver := NewPeer(1, addresses, listeners[1], 30*time.Second)
	defer sender.Close()
	defer receiver.Close()

	fatal := make(chan error, 2)
	for _, tag := range []int{1, 2} {
		go func() {
			fatal <- sender.Send(context.Background(), []byte(strconv.Itoa(tag)), 1, tag)
		}()
	}
	for _, tag := range []int{2, 1} {
		data, err := receiver.Recv(context.Background(), 0, tag)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != strconv.Itoa(tag) {
			t.Fatalf("expected %d, actual %s", tag, data)
		}
	}
	for i := 0; i < 2; i++ {
		if err := <-fatal; err != nil {
			t.Fatal(err)
		}
	}
}

func TestRecvTruncated(t *testing.T) {
	listeners, addresses := CreateListeners(2)
	sender := NewComm(NewPeer(0, addresses, listeners[0], 30*time.Second))
	receiver := NewComm(NewPeer(1, addresses, listeners[1], 30*time.Second))
	defer sender.peer.Close()
	defer receiver.peer.Close()

	go func() {
		_ = sender.Send(context.Background(), make([]float64, 4), 1, 7)
	}()
	err := receiver.Recv(context.Background(), make([]float64, 8), 0, 7)
	if !errors.Is(err, pingpong.ErrTruncated) {
		t.Fatalf("expected ErrTruncated, actual %v", err)
	}
	if err := receiver.Send(context.Background(), nil, 1, 7); !errors.Is(err, pingpong.ErrInvalidRank) {
		t.Fatalf("expected ErrInvalidRank, actual %v", err)
	}
}

func TestRetransmissionDropped(t *testing.T) {
	listeners, addresses := CreateListeners(2)
	receiver := NewPeer(1, addresses, listeners[1], 0)
	defer receiver.Close()

	post := func(seq int, body string) error {
		req, err := http.NewRequest(http.MethodPost, "http://"+addresses[1]+pointToPointPath, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set(headerClock, strconv.Itoa(seq))
		req.Header.Set(headerSenderRank, "0")
		req.Header.Set(headerTag, "3")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			return fmt.Errorf("expected status %d, actual %d", http.StatusAccepted, resp.StatusCode)
		}
		return nil
	}
	fatal := make(chan error, 1)
	go func() {
		fatal <- post(1, "first")
	}()
	data, err := receiver.Recv(context.Background(), 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first" {
		t.Fatalf("expected first, actual %s", data)
	}
	if err := <-fatal; err != nil {
		t.Fatal(err)
	}
	if err := post(1, "first"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := receiver.Recv(ctx, 0, 3); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, actual %v", err)
	}
}

func TestSendTimeout(t *testing.T) {
	addresses := CreateAddresses(2)
	listeners, _ := CreateListeners(1)
	peer := NewPeer(0, addresses, listeners[0], 300*time.Millisecond)
	defer peer.Close()
	start := time.Now()
	if err := peer.Send(context.Background(), []byte{1}, 1, 0); err == nil {
		t.Fatal("expected an error sending to a missing peer")
	}
	if time.Since(start) < 300*time.Millisecond {
		t.Fatal("send gave up before the timeout")
	}
}

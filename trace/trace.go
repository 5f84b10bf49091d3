// Package trace records the point-to-point operations of a communicator and
// exports them in the Chrome Tracing JSON format, which Perfetto and the
// Chrome trace viewer can open.
package trace

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/luca-patrignani/pingpong/pingpong"
)

const (
	Enter = "Enter"
	Leave = "Leave"

	SendEvent     = "MPI_Send"
	RecvEvent     = "MPI_Recv"
	FinalizeEvent = "MPI_Finalize"
)

// Event is one Enter or Leave of an operation.
type Event struct {
	Name      string
	Type      string
	Timestamp time.Duration
	Process   int
	// Attributes are set on Leave events of transfers: sender, receiver,
	// msg_length (bytes) and tag.
	Attributes map[string]int
}

// Recorder wraps a communicator and records every operation going through it.
type Recorder struct {
	comm  pingpong.Communicator
	clock clockwork.Clock
	start time.Time

	mu     sync.Mutex
	events []Event
}

type Option func(*Recorder)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Recorder) {
		r.clock = clock
	}
}

func NewRecorder(comm pingpong.Communicator, opts ...Option) *Recorder {
	r := &Recorder{
		comm:  comm,
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.start = r.clock.Now()
	return r
}

func (r *Recorder) Rank() int {
	return r.comm.Rank()
}

func (r *Recorder) Size() int {
	return r.comm.Size()
}

func (r *Recorder) Send(ctx context.Context, buf []float64, dest, tag int) error {
	r.record(SendEvent, Enter, nil)
	err := r.comm.Send(ctx, buf, dest, tag)
	r.record(SendEvent, Leave, transfer(err, r.comm.Rank(), dest, len(buf), tag))
	return err
}

func (r *Recorder) Recv(ctx context.Context, buf []float64, source, tag int) error {
	r.record(RecvEvent, Enter, nil)
	err := r.comm.Recv(ctx, buf, source, tag)
	r.record(RecvEvent, Leave, transfer(err, source, r.comm.Rank(), len(buf), tag))
	return err
}

// transfer describes a completed transfer. Failed ones carry no attributes
// so that they do not count in CommMatrix.
func transfer(err error, sender, receiver, elements, tag int) map[string]int {
	if err != nil {
		return nil
	}
	return map[string]int{
		"sender":     sender,
		"receiver":   receiver,
		"msg_length": pingpong.ElementSize * elements,
		"tag":        tag,
	}
}

func (r *Recorder) Close() error {
	r.record(FinalizeEvent, Enter, nil)
	err := r.comm.Close()
	r.record(FinalizeEvent, Leave, nil)
	return err
}

// Events returns a copy of the events recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]Event, len(r.events))
	copy(events, r.events)
	return events
}

func (r *Recorder) record(name, typ string, attrs map[string]int) {
	ts := r.clock.Since(r.start)
	r.mu.Lock()
	r.events = append(r.events, Event{
		Name:       name,
		Type:       typ,
		Timestamp:  ts,
		Process:    r.comm.Rank(),
		Attributes: attrs,
	})
	r.mu.Unlock()
}

type chromeEvent struct {
	Name string         `json:"name"`
	Ph   string         `json:"ph"`
	Ts   int64          `json:"ts"`
	Pid  int            `json:"pid"`
	Tid  int            `json:"tid"`
	Args map[string]int `json:"args,omitempty"`
}

// WriteChrome writes events as a JSON array of Chrome Tracing records.
// Enter becomes phase "B", Leave phase "E"; timestamps are in microseconds.
func WriteChrome(w io.Writer, events []Event) error {
	records := make([]chromeEvent, 0, len(events))
	for _, e := range events {
		ph := "i"
		switch e.Type {
		case Enter:
			ph = "B"
		case Leave:
			ph = "E"
		}
		records = append(records, chromeEvent{
			Name: e.Name,
			Ph:   ph,
			Ts:   e.Timestamp.Microseconds(),
			Pid:  e.Process,
			Args: e.Attributes,
		})
	}
	return json.NewEncoder(w).Encode(records)
}

// CommMatrix sums the bytes sent from each rank to each other rank.
// matrix[i][j] is the volume sent by rank i to rank j.
func CommMatrix(size int, events ...[]Event) [][]int64 {
	matrix := make([][]int64, size)
	for i := range matrix {
		matrix[i] = make([]int64, size)
	}
	for _, list := range events {
		for _, e := range list {
			if e.Name != SendEvent || e.Type != Leave {
				continue
			}
			i, j := e.Attributes["sender"], e.Attributes["receiver"]
			if i < 0 || i >= size || j < 0 || j >= size {
				continue
			}
			matrix[i][j] += int64(e.Attributes["msg_length"])
		}
	}
	return matrix
}

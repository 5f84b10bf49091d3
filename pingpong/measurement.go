package pingpong

import (
	"fmt"
	"math"
	"time"
)

// Measurement is the outcome of the round trips timed for one message size.
type Measurement struct {
	// Bytes is the size of one message.
	Bytes int64
	// Elapsed is the wall time spent on all round trips.
	Elapsed time.Duration
	// LoopCount is the number of round trips behind Elapsed.
	LoopCount int
}

// TransferTime returns the average one-way transfer time in seconds.
// Each round trip counts as two transfers.
func (m Measurement) TransferTime() float64 {
	return m.Elapsed.Seconds() / (2 * float64(m.LoopCount))
}

// Bandwidth returns the bandwidth in GiB/s. A zero transfer time yields +Inf.
func (m Measurement) Bandwidth() float64 {
	t := m.TransferTime()
	if t == 0 {
		return math.Inf(1)
	}
	return float64(m.Bytes) / float64(GiB) / t
}

func (m Measurement) String() string {
	return fmt.Sprintf("Transfer size (B): %10d, Transfer Time (s): %15.9f, Bandwidth (GB/s): %15.9f",
		m.Bytes, m.TransferTime(), m.Bandwidth())
}

func wrongSizeMessage(size int) string {
	return fmt.Sprintf("This program requires exactly 2 MPI ranks, but you are attempting to use %d! Exiting...", size)
}

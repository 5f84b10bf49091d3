// Package pingpong implements a point-to-point bandwidth and latency sweep
// between exactly two ranks.
//
// Rank 0 (the initiator) sends a buffer of float64 values to rank 1 (the
// responder), which sends it straight back. For every message size from
// 2^MinExponent to 2^MaxExponent elements the pair performs LoopCount such
// round trips, and the initiator prints one line with the message size, the
// average one-way transfer time and the resulting bandwidth:
//
//	Transfer size (B):      16384, Transfer Time (s):     0.000004108, Bandwidth (GB/s):     3.714457541
//
// # Communication
//
// The benchmark does not know how messages travel. It talks to a
// Communicator, which is implemented by the network (HTTP), stream (TCP) and
// loopback (in-process) packages. Every Send and Recv blocks until the local
// buffer has been fully transmitted or filled, so the forward and return
// legs of consecutive round trips can never interleave.
//
// # Group size
//
// The benchmark needs exactly two ranks. With any other group size rank 0
// prints a notice, no buffer is allocated and Run returns nil, so the
// process still exits with status 0.
package pingpong

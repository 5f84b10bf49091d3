// Package network provides HTTP-based communication between the ranks of a
// benchmark group.
//
// # Core Components
//
// Peer: Low-level network node serving HTTP. Every Peer knows the address of
// every rank in the group.
//
// Comm: Adapter that implements pingpong.Communicator on top of a Peer.
//
// # Point-to-point
//
// Send posts a message labelled with a tag to one rank. The receiving handler
// parks the message in the mailbox of (sender, tag) and answers only once a
// matching Recv has taken it, so Send blocks for the whole transfer. Each
// message carries a per-(receiver, tag) sequence number in the Clock header;
// retransmissions of an already delivered message are acknowledged and dropped.
//
// # Collectives
//
// Broadcast: One node sends data to all other nodes (one-to-all).
//
// AllToAll: Each node sends data to all other nodes (all-to-all).
//
// Both include implicit barrier synchronization: no peer can proceed until
// all peers have participated in the round. Comm uses an AllToAll as the
// start-up handshake and a barrier before shutting down.
//
// # Timeout Support
//
// A Peer created with a positive timeout gives up connection attempts and
// receives after that duration. A zero timeout waits forever.
package network

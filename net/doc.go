// Package net implements the talon socket transport components: an
// epoll/kqueue-driven multi-client TCP server, a TCP client connector with a
// background receive loop, and a UDP multicast sender/receiver pair.
//
// Each component owns its socket(s) and at most one background goroutine,
// takes an immutable configuration snapshot at Start/Connect, and dispatches
// events to an application-supplied handler from that single goroutine, so
// per-connection event ordering needs no extra synchronization.
package net

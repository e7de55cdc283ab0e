// Package mux wraps the operating system's readiness notification
// mechanism behind a single-event interface: every Wait reports at most
// one ready descriptor.
//
// Linux uses epoll. Other unix systems fall back to poll(2) over the
// watched set, handing out one ready descriptor per call.
package mux

import "errors"

// Infinite makes Wait block until a watched descriptor is ready.
const Infinite = -1

// ErrClosed is returned by operations on a closed Multiplexer.
var ErrClosed = errors.New("mux: multiplexer closed")

package hub

import (
	"errors"
	"sync"
)

var (
	// ErrOutboundFull is returned when a connection's queue cannot take another frame.
	ErrOutboundFull = errors.New("outbound queue full")
	// ErrOutboundClosed is returned when offering to a closed queue.
	ErrOutboundClosed = errors.New("outbound queue closed")
)

// Outbound is the bounded FIFO of serialized frames waiting to be written to
// one connection. Offer never blocks. The mutex orders Offer against Close so
// a frame is never sent on a closed channel.
type Outbound struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewOutbound creates a queue holding up to size frames.
func NewOutbound(size int) *Outbound {
	if size <= 0 {
		size = 1
	}
	return &Outbound{ch: make(chan []byte, size)}
}

// Offer enqueues frame without blocking.
func (o *Outbound) Offer(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutboundClosed
	}

	select {
	case o.ch <- frame:
		return nil
	default:
		return ErrOutboundFull
	}
}

// Close closes the queue. Frames already queued can still be drained from C.
// It reports whether this call did the closing.
func (o *Outbound) Close() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	o.closed = true
	close(o.ch)
	return true
}

// Closed reports whether Close has been called.
func (o *Outbound) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// C returns the receive side, consumed by the connection's write pump.
func (o *Outbound) C() <-chan []byte {
	return o.ch
}

// Len returns the number of queued frames.
func (o *Outbound) Len() int {
	return len(o.ch)
}

// Package console keeps a raw-mode terminal drained while the driver
// spins in its polling loops.
//
// The driver never blocks waiting for hardware; it calls a yield function
// on every iteration of a poll loop. A Console's Yield drains whatever
// keyboard input is waiting, so a long wait for a device does not leave
// the terminal unresponsive, and Ctrl-C still reaches the program:
//
//	con, err := console.Open(os.Stdin)
//	if err == nil {
//	    defer con.Close()
//	    con.SetOnInterrupt(cancel)
//	    cfg.Yield = con.Yield
//	}
package console

import (
	"runtime"
	"sync"
)

// Control bytes interpreted while draining.
const (
	keyInterrupt = 0x03 // Ctrl-C
	keyReturn    = '\r'
	keyDelete    = 0x7F
	keyBackspace = 0x08
)

// maxPending bounds the bytes held for Keys; older input is dropped.
const maxPending = 256

// Console is a terminal in raw, non-blocking mode.
type Console struct {
	mu          sync.Mutex
	pending     []byte
	dropped     int
	onInterrupt func()

	read func(p []byte) (int, error)
	raw  rawState
}

func newConsole(read func(p []byte) (int, error)) *Console {
	return &Console{read: read}
}

// SetOnInterrupt sets the callback run when Ctrl-C is read.
func (c *Console) SetOnInterrupt(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInterrupt = cb
}

// Yield drains pending input and lets other goroutines run. It is meant
// to be the Yield of a host.Config.
func (c *Console) Yield() {
	c.Drain()
	runtime.Gosched()
}

// Drain reads every byte waiting on the terminal and returns the count.
func (c *Console) Drain() int {
	var buf [64]byte
	total := 0
	for {
		n, err := c.read(buf[:])
		if n > 0 {
			total += n
			c.feed(buf[:n])
		}
		if n <= 0 || err != nil {
			return total
		}
	}
}

// feed appends input to the pending buffer. CR becomes LF and DEL
// becomes BS; Ctrl-C is consumed and runs the interrupt callback.
func (c *Console) feed(p []byte) {
	c.mu.Lock()
	var interrupted bool
	for _, b := range p {
		switch b {
		case keyInterrupt:
			interrupted = true
			continue
		case keyReturn:
			b = '\n'
		case keyDelete:
			b = keyBackspace
		}
		if len(c.pending) == maxPending {
			copy(c.pending, c.pending[1:])
			c.pending = c.pending[:maxPending-1]
			c.dropped++
		}
		c.pending = append(c.pending, b)
	}
	cb := c.onInterrupt
	c.mu.Unlock()

	if interrupted && cb != nil {
		cb()
	}
}

// Keys returns and clears the input drained so far.
func (c *Console) Keys() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.pending
	c.pending = nil
	return keys
}

// Dropped returns the number of bytes discarded because nobody called
// Keys in time.
func (c *Console) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

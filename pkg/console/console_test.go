package console

import (
	"bytes"
	"errors"
	"testing"
)

// chunkReader returns one chunk per read, then reports nothing waiting.
type chunkReader struct {
	chunks [][]byte
	reads  int
	err    error
}

func (r *chunkReader) read(p []byte) (int, error) {
	r.reads++
	if len(r.chunks) == 0 {
		return 0, r.err
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestConsole_Drain(t *testing.T) {
	r := &chunkReader{chunks: [][]byte{[]byte("ab\r"), []byte("c\x7f")}}
	c := newConsole(r.read)

	if n := c.Drain(); n != 5 {
		t.Errorf("Drain() = %d, want 5", n)
	}
	if r.reads != 3 {
		t.Errorf("reads = %d, want 3", r.reads)
	}
	if got := c.Keys(); !bytes.Equal(got, []byte("ab\nc\x08")) {
		t.Errorf("Keys() = %q", got)
	}
	if got := c.Keys(); len(got) != 0 {
		t.Errorf("Keys() after clear = %q", got)
	}
}

func TestConsole_Interrupt(t *testing.T) {
	r := &chunkReader{chunks: [][]byte{[]byte("x\x03y")}}
	c := newConsole(r.read)
	var interrupts int
	c.SetOnInterrupt(func() { interrupts++ })

	c.Yield()
	if interrupts != 1 {
		t.Errorf("interrupts = %d, want 1", interrupts)
	}
	if got := c.Keys(); !bytes.Equal(got, []byte("xy")) {
		t.Errorf("Keys() = %q, want xy", got)
	}
}

func TestConsole_ReadError(t *testing.T) {
	r := &chunkReader{err: errors.New("closed")}
	c := newConsole(r.read)
	if n := c.Drain(); n != 0 || r.reads != 1 {
		t.Errorf("Drain() = %d after %d reads", n, r.reads)
	}
}

func TestConsole_Overflow(t *testing.T) {
	big := bytes.Repeat([]byte{'k'}, maxPending+10)
	r := &chunkReader{chunks: [][]byte{big[:64], big[64:128], big[128:192], big[192:256], big[256:]}}
	c := newConsole(r.read)

	c.Drain()
	if got := len(c.Keys()); got != maxPending {
		t.Errorf("len(Keys()) = %d, want %d", got, maxPending)
	}
	if c.Dropped() != 10 {
		t.Errorf("Dropped() = %d, want 10", c.Dropped())
	}
}

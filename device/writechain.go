package device

import (
	"io"
	"sync"
)

// WriteChain serializes writes to a single serial port so that movement
// ticks, heartbeats, and queued-operation writes never interleave bytes
// mid-line.
type WriteChain struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriteChain wraps w. w may be swapped via Reset when the underlying
// port is reopened after a reconnect.
func NewWriteChain(w io.Writer) *WriteChain {
	return &WriteChain{w: w}
}

// Reset swaps the underlying writer, e.g. after reconnecting to a freshly
// opened port.
func (c *WriteChain) Reset(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w = w
}

// Write serializes p atomically against all other Write calls on this
// chain.
func (c *WriteChain) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return 0, io.ErrClosedPipe
	}
	return c.w.Write(p)
}

// WriteLine writes s followed by eol as a single serialized write.
func (c *WriteChain) WriteLine(s, eol string) error {
	_, err := c.Write([]byte(s + eol))
	return err
}

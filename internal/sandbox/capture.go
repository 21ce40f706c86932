package sandbox

import "sync"

// cappedBuffer accumulates bytes up to a configured limit, then silently
// discards the rest and flags itself truncated (spec §4.1 edge case: "if
// stdout output exceeds the configured output cap, stop reading further
// bytes and mark the result as truncated; do not kill the child for
// output alone unless also exceeding file-size").
type cappedBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func newCappedBuffer(limitBytes int) *cappedBuffer {
	return &cappedBuffer{limit: limitBytes}
}

// Write implements io.Writer. It never returns an error; bytes past the
// cap are dropped, not treated as a write failure, so callers like
// io.Copy keep draining the pipe to EOF instead of erroring out mid-read.
func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) >= c.limit {
		c.truncated = true
		return len(p), nil
	}
	remaining := c.limit - len(c.buf)
	if len(p) > remaining {
		c.buf = append(c.buf, p[:remaining]...)
		c.truncated = true
	} else {
		c.buf = append(c.buf, p...)
	}
	return len(p), nil
}

func (c *cappedBuffer) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf...)
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

package executor

import (
	"bytes"
	"io"
	"sync"
)

// capture collects stdout and stderr under a shared byte budget. Once the
// budget is spent it stops storing, calls onOverflow once, and keeps
// accepting writes so the child never blocks on a full pipe.
type capture struct {
	mu         sync.Mutex
	limit      int
	stdout     bytes.Buffer
	stderr     bytes.Buffer
	overflow   bool
	onOverflow func()
}

func newCapture(limit int, onOverflow func()) *capture {
	return &capture{limit: limit, onOverflow: onOverflow}
}

type captureStream struct {
	c   *capture
	buf *bytes.Buffer
}

func (s captureStream) Write(p []byte) (int, error) {
	s.c.write(s.buf, p)
	return len(p), nil
}

func (c *capture) stdoutWriter() io.Writer {
	return captureStream{c: c, buf: &c.stdout}
}

func (c *capture) stderrWriter() io.Writer {
	return captureStream{c: c, buf: &c.stderr}
}

func (c *capture) write(buf *bytes.Buffer, p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.overflow {
		return
	}
	room := c.limit - c.stdout.Len() - c.stderr.Len()
	if len(p) <= room {
		buf.Write(p)
		return
	}
	buf.Write(p[:room])
	c.overflow = true
	if c.onOverflow != nil {
		c.onOverflow()
	}
}

func (c *capture) overflowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overflow
}

// String is the combined diagnostic output, stdout first.
func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stderr.Len() == 0 {
		return c.stdout.String()
	}
	if c.stdout.Len() == 0 {
		return c.stderr.String()
	}
	return c.stdout.String() + "\n" + c.stderr.String()
}

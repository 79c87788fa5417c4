package executor

import (
	"bytes"
	"strings"
	"sync"
)

// OutputCapture collects subprocess output keeping the last N lines in a
// circular buffer. Thread safe for concurrent writes.
type OutputCapture struct {
	maxLines int
	lines    []string
	dropped  int
	mu       sync.Mutex
}

// NewOutputCapture creates io.Writer capturing up to maximum lines, zero disables capture
func NewOutputCapture(maximum int) *OutputCapture {
	return &OutputCapture{maxLines: maximum}
}

// Write satisfies io.Writer, keeps the tail of the stream line by line
func (o *OutputCapture) Write(p []byte) (n int, err error) {
	if o.maxLines == 0 {
		return len(p), nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, line := range bytes.Split(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if len(o.lines) >= o.maxLines {
			o.lines = o.lines[1:]
			o.dropped++
		}
		o.lines = append(o.lines, string(line))
	}
	return len(p), nil
}

// GetOutput returns the captured tail as a single string
func (o *OutputCapture) GetOutput() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return strings.Join(o.lines, "\n")
}

// Dropped reports how many lines were evicted from the buffer
func (o *OutputCapture) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

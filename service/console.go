package service

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// console serialises human-readable output from concurrent workers so lines
// and report blocks never interleave.
type console struct {
	mu     sync.Mutex
	out    io.Writer
	logger zerolog.Logger
	failed bool
}

func newConsole(out io.Writer, logger zerolog.Logger) *console {
	if out == nil {
		out = io.Discard
	}
	return &console{out: out, logger: logger}
}

// Linef writes one formatted line.
func (c *console) Linef(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...) + "\n"
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, line)
	c.observe(err)
}

// Block writes p with a single Write call.
func (c *console) Block(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.out.Write(p)
	c.observe(err)
}

// observe logs the first write failure only; a closed output would otherwise
// log once per event. Callers hold c.mu.
func (c *console) observe(err error) {
	if err == nil || c.failed {
		return
	}
	c.failed = true
	c.logger.Debug().Err(err).Msg("console write failed")
}

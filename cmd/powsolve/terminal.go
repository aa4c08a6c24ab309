package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/powgate/internal/flow"
)

// terminal renders machine progress as a status line and an attempts
// line that is rewritten in place.
type terminal struct {
	mu       sync.Mutex
	w        io.Writer
	attempts bool
}

func newTerminal(w io.Writer) *terminal {
	return &terminal{w: w}
}

func (t *terminal) Status(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endAttempts()
	fmt.Fprintln(t.w, text)
}

func (t *terminal) Attempts(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "\r\033[K  %s", text)
	t.attempts = true
}

func (t *terminal) Done(o flow.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endAttempts()
}

func (t *terminal) endAttempts() {
	if t.attempts {
		fmt.Fprintln(t.w)
		t.attempts = false
	}
}

// promptConfirmer asks on the terminal whether to try again. One reader
// goroutine owns the input for the life of the process, so a prompt
// abandoned on cancellation leaves its answer for the next one.
type promptConfirmer struct {
	in  io.Reader
	out io.Writer

	once  sync.Once
	lines chan string
}

func newPromptConfirmer(in io.Reader, out io.Writer) *promptConfirmer {
	return &promptConfirmer{in: in, out: out}
}

func (c *promptConfirmer) readLines() {
	c.lines = make(chan string)
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
	}()
}

func (c *promptConfirmer) ConfirmRetry(ctx context.Context, err error) bool {
	c.once.Do(c.readLines)
	fmt.Fprint(c.out, "Retry? [y/N] ")

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return false
	case line, ok := <-c.lines:
		if !ok {
			fmt.Fprintln(c.out)
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		default:
			return false
		}
	}
}

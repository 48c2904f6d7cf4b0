package confirm

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mtAerohand/draw/internal/crawler"
)

// Console prompts on a terminal and reads yes/no lines. Anything else
// re-prompts.
type Console struct {
	out    io.Writer
	logger *zap.Logger

	mu        sync.Mutex
	in        *bufio.Scanner
	lines     chan consoleLine
	readErr   error
	startOnce sync.Once
	// session is odd while a prompt is open.
	session atomic.Uint64
}

// consoleLine is one input line tagged with the session it was typed in.
type consoleLine struct {
	text    string
	session uint64
}

// NewConsole builds a console confirmer.
func NewConsole(in io.Reader, out io.Writer, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{
		out:    out,
		logger: logger.Named("confirm"),
		in:     bufio.NewScanner(in),
		lines:  make(chan consoleLine),
	}
}

// Confirm writes the prompt and blocks until the operator answers or ctx ends.
// Only one prompt is outstanding at a time. Lines typed while no prompt was
// open are discarded.
func (c *Console) Confirm(ctx context.Context, prompt crawler.Prompt) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	open := c.session.Add(1)
	defer c.session.Add(1)

	// Terminal reads cannot be interrupted; one goroutine pumps lines for
	// every prompt.
	c.startOnce.Do(func() { go c.readLines() })

	if _, err := fmt.Fprintf(c.out, "%s\n%s\n", prompt.Title, prompt.Body); err != nil {
		return false, fmt.Errorf("write prompt: %w", err)
	}
	for {
		if _, err := fmt.Fprint(c.out, "Replace the main store? (yes/no): "); err != nil {
			return false, fmt.Errorf("write prompt: %w", err)
		}
		line, err := c.next(ctx, open)
		if err != nil {
			return false, err
		}
		answer, err := ParseAnswer(line)
		if err != nil {
			c.logger.Debug("ignoring console answer", zap.String("input", line))
			continue
		}
		c.logger.Info("console confirmation answered", zap.Bool("approved", answer))
		return answer, nil
	}
}

// next returns the next line typed during session open.
func (c *Console) next(ctx context.Context, open uint64) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("confirmation interrupted: %w", ctx.Err())
		case line, ok := <-c.lines:
			if !ok {
				return "", fmt.Errorf("confirmation input closed: %w", c.inputErr())
			}
			if line.session != open {
				c.logger.Debug("discarding input typed before the prompt", zap.String("input", line.text))
				continue
			}
			return line.text, nil
		}
	}
}

func (c *Console) readLines() {
	for c.in.Scan() {
		line := consoleLine{text: c.in.Text(), session: c.session.Load()}
		if line.session%2 == 0 {
			c.logger.Debug("discarding input typed with no prompt open", zap.String("input", line.text))
			continue
		}
		c.lines <- line
	}
	c.readErr = c.in.Err()
	close(c.lines)
}

func (c *Console) inputErr() error {
	if c.readErr != nil {
		return c.readErr
	}
	return io.EOF
}

package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tranvictor/taskarmy"
)

// terminalPrompter asks yes/no questions on a terminal. Lines are read by a single
// goroutine so a prompt can be abandoned when its context ends.
type terminalPrompter struct {
	out   io.Writer
	lines chan string
	mu    sync.Mutex
}

func newTerminalPrompter(in io.Reader, out io.Writer) *terminalPrompter {
	p := &terminalPrompter{out: out, lines: make(chan string)}
	go func() {
		defer close(p.lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
	}()
	return p
}

func (p *terminalPrompter) ask(ctx context.Context, question string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "%s [y/N]: ", question)
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return false, ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return false, io.EOF
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

func (p *terminalPrompter) ConfirmContinue(ctx context.Context, reason string) (bool, error) {
	return p.ask(ctx, reason+". Continue anyway?")
}

func (p *terminalPrompter) ConfirmCancel(ctx context.Context) (bool, error) {
	return p.ask(ctx, "Stop the automation?")
}

var _ taskarmy.Prompter = (*terminalPrompter)(nil)

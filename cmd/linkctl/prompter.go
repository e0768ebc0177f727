package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/danmuck/linkctl/internal/notify"
)

// terminalPrompter implements notify.Prompter on a line-oriented terminal.
type terminalPrompter struct {
	mu     sync.Mutex
	reader *bufio.Reader
	out    io.Writer
}

func newTerminalPrompter(reader *bufio.Reader, out io.Writer) *terminalPrompter {
	return &terminalPrompter{reader: reader, out: out}
}

func (p *terminalPrompter) Toast(level notify.ToastLevel, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "[%s] %s\n", level, message)
}

func (p *terminalPrompter) AwaitingApproval(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if message == "" {
		message = "approve this device on the link host"
	}
	fmt.Fprintf(p.out, "waiting for approval: %s\n", message)
}

// ChooseSecurityMode asks how to continue after the link certificate
// failed verification. EOF or a canceled ctx aborts.
func (p *terminalPrompter) ChooseSecurityMode(ctx context.Context, endpoint string, cause error) notify.SecurityChoice {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "The certificate of %s could not be verified: %v\n", endpoint, cause)
	fmt.Fprintln(p.out, "  1) trust the certificate issued at pairing (trusted-pinned)")
	fmt.Fprintln(p.out, "  2) connect without encryption (plaintext)")
	fmt.Fprintln(p.out, "  3) abort")

	answers := make(chan string, 1)
	go func() {
		line, _ := p.reader.ReadString('\n')
		answers <- line
	}()
	for {
		fmt.Fprint(p.out, "choice [1-3]: ")
		select {
		case <-ctx.Done():
			return notify.ChoiceAbort
		case line := <-answers:
			if choice, ok := parseChoice(line); ok {
				return choice
			}
			if line == "" {
				return notify.ChoiceAbort
			}
			fmt.Fprintln(p.out, "Invalid selection.")
			go func() {
				next, _ := p.reader.ReadString('\n')
				answers <- next
			}()
		}
	}
}

func parseChoice(raw string) (notify.SecurityChoice, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "pinned", "trusted-pinned":
		return notify.ChoiceTrustedPinned, true
	case "2", "plaintext":
		return notify.ChoicePlaintext, true
	case "3", "abort", "a":
		return notify.ChoiceAbort, true
	}
	return "", false
}

// Package credential obtains the IMAP secret: from the OS keyring when one
// was remembered, otherwise from a non-echoing prompt.
package credential

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"
)

// ErrEmptySecret is returned when the operator enters nothing.
var ErrEmptySecret = errors.New("empty secret")

// Prompter asks the operator for a secret.
type Prompter interface {
	Secret(ctx context.Context, title string) (string, error)
}

// TerminalPrompter reads a secret without echo when In is a terminal and
// reads one line otherwise, so the secret can be piped in.
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer

	// lines buffers In across calls when it is not a terminal.
	lines *bufio.Reader
}

// NewTerminalPrompter prompts on stdin/stderr.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

// Secret asks for a secret. The value is never echoed.
func (p *TerminalPrompter) Secret(ctx context.Context, title string) (string, error) {
	if term.IsTerminal(int(p.In.Fd())) {
		return p.interactive(ctx, title)
	}
	if p.lines == nil {
		p.lines = bufio.NewReader(p.In)
	}
	return readLine(p.lines)
}

func (p *TerminalPrompter) interactive(ctx context.Context, title string) (string, error) {
	var secret string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				EchoMode(huh.EchoModePassword).
				Value(&secret),
		),
	).WithInput(p.In).WithOutput(p.Out)

	if err := form.RunWithContext(ctx); err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	if secret == "" {
		return "", ErrEmptySecret
	}

	return secret, nil
}

// readLine reads the next line of r without the line ending.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}

	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", ErrEmptySecret
	}

	return secret, nil
}

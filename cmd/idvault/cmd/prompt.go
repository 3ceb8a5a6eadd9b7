package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/jmcleod/idvault/biometric"
	"github.com/jmcleod/idvault/bridge"
)

// linePrompter reads passcodes and biometric approvals from a line-oriented
// input. It stands in for the platform prompt when running from a terminal.
// On a terminal passcodes are read without echo.
type linePrompter struct {
	mu          sync.Mutex
	in          *bufio.Reader
	out         io.Writer
	autoApprove bool

	// fd is the terminal file descriptor of the input, or -1.
	fd int
	// pending holds a read abandoned by a canceled prompt. The next prompt
	// takes its result instead of starting a second reader.
	pending chan lineResult
}

type lineResult struct {
	line string
	err  error
}

var (
	_ bridge.PasscodePrompter = (*linePrompter)(nil)
	_ biometric.Prompter      = (*linePrompter)(nil)
)

func newLinePrompter(in io.Reader, out io.Writer, autoApprove bool) *linePrompter {
	p := &linePrompter{in: bufio.NewReader(in), out: out, autoApprove: autoApprove, fd: -1}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd = int(f.Fd())
	}
	return p
}

func (p *linePrompter) isTerminal() bool {
	return p.fd >= 0
}

// await runs read in the background and returns its result, or
// ErrPromptCanceled as soon as ctx is done.
func (p *linePrompter) await(ctx context.Context, read func() (string, error), onCancel func()) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", bridge.ErrPromptCanceled, err)
	}
	if p.pending == nil {
		ch := make(chan lineResult, 1)
		go func() {
			line, err := read()
			ch <- lineResult{line: line, err: err}
		}()
		p.pending = ch
	}
	select {
	case r := <-p.pending:
		p.pending = nil
		return r.line, r.err
	case <-ctx.Done():
		if onCancel != nil {
			onCancel()
		}
		fmt.Fprintln(p.out)
		return "", fmt.Errorf("%w: %w", bridge.ErrPromptCanceled, ctx.Err())
	}
}

// readLine prints label and returns the next line without its terminator.
// End of input with nothing typed counts as a cancel.
func (p *linePrompter) readLine(ctx context.Context, label string) (string, error) {
	fmt.Fprint(p.out, label)
	return p.await(ctx, func() (string, error) {
		line, err := p.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		if errors.Is(err, io.EOF) && line == "" {
			fmt.Fprintln(p.out)
			return "", bridge.ErrPromptCanceled
		}
		return strings.TrimRight(line, "\r\n"), nil
	}, nil)
}

// readSecret is readLine without echo when the input is a terminal.
func (p *linePrompter) readSecret(ctx context.Context, label string) (string, error) {
	if !p.isTerminal() {
		return p.readLine(ctx, label)
	}
	state, err := term.GetState(p.fd)
	if err != nil {
		return "", fmt.Errorf("reading terminal state: %w", err)
	}
	fmt.Fprint(p.out, label)
	return p.await(ctx, func() (string, error) {
		secret, err := term.ReadPassword(p.fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", err
		}
		return string(secret), nil
	}, func() {
		_ = term.Restore(p.fd, state)
	})
}

func (p *linePrompter) PromptPasscode(ctx context.Context, confirm bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	code, err := p.readSecret(ctx, "Passcode: ")
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", bridge.ErrPromptCanceled
	}
	if !confirm {
		return code, nil
	}
	again, err := p.readSecret(ctx, "Confirm passcode: ")
	if err != nil {
		return "", err
	}
	if again != code {
		return "", bridge.ErrPromptMismatch
	}
	return code, nil
}

func (p *linePrompter) Authenticate(ctx context.Context, info biometric.PromptInfo) error {
	if p.autoApprove {
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.out, info.Title)
	for _, line := range []string{info.Subtitle, info.Description} {
		if line != "" {
			fmt.Fprintln(p.out, line)
		}
	}
	answer, err := p.readLine(ctx, "Approve? [y/N] ")
	if errors.Is(err, bridge.ErrPromptCanceled) {
		return biometric.ErrCanceled
	}
	if err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	default:
		return biometric.ErrCanceled
	}
}

// confirm asks a yes/no question; anything but yes is a no.
func (p *linePrompter) confirm(ctx context.Context, question string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	answer, err := p.readLine(ctx, question+" [y/N] ")
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

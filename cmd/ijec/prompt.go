package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// prompter asks the operator for missing credentials.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int // terminal file descriptor, -1 when input is not a terminal
}

func newPrompter() *prompter {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		fd = -1
	}
	return &prompter{in: bufio.NewReader(os.Stdin), out: os.Stderr, fd: fd}
}

// ask prints label and reads one line. Hidden input is not echoed when
// reading from a terminal.
func (p *prompter) ask(label string, hidden bool) (string, error) {
	fmt.Fprint(p.out, label)

	if hidden && p.fd >= 0 {
		b, err := term.ReadPassword(p.fd)
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("reading input: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// fill prompts for an empty value and fails when it stays empty.
func (p *prompter) fill(value *string, name string, hidden bool) error {
	if *value != "" {
		return nil
	}
	v, err := p.ask(fmt.Sprintf("Press Enter to continue to set <%s>: ", name), hidden)
	if err != nil {
		return err
	}
	if v == "" {
		return fmt.Errorf("<%s> is required", name)
	}
	*value = v
	return nil
}

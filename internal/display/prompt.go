package display

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ErrNotInteractive is returned when a prompt is needed but prompts are disabled
var ErrNotInteractive = errors.New("interactive prompts are disabled")

// promptWriter keeps prompts out of structured stdout
func (p *Printer) promptWriter() io.Writer {
	if p.config.Format().IsStructured() {
		return p.errWriter
	}
	return p.writer
}

func (p *Printer) lineReader() *bufio.Reader {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.config.Reader)
	}
	return p.reader
}

func (p *Printer) readLine() (string, error) {
	line, err := p.lineReader().ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// Confirm asks a yes/no question. An empty answer selects defaultYes.
func (p *Printer) Confirm(question string, defaultYes bool) (bool, error) {
	if !p.config.Interactive {
		return false, ErrNotInteractive
	}

	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}

	out := p.promptWriter()
	for {
		fmt.Fprintf(out, "%s %s ", p.colors.Colorize(question, p.theme.Warning), hint)
		answer, err := p.readLine()
		if err != nil {
			return false, err
		}

		switch strings.ToLower(answer) {
		case "":
			return defaultYes, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(out, p.colors.Colorize("Please answer y or n.", p.theme.Error))
	}
}

// ReadPassword prompts for a secret. Terminal input is not echoed; piped
// input is read one line at a time.
func (p *Printer) ReadPassword(prompt string) (string, error) {
	if !p.config.Interactive {
		return "", ErrNotInteractive
	}

	out := p.promptWriter()
	fmt.Fprint(out, prompt)
	if f, ok := p.config.Reader.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(secret), nil
	}
	return p.readLine()
}

package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on a terminal. Secrets are read without echo
// when input is a terminal.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
}

// New prompts on stdin and stdout.
func New() *Prompter {
	return &Prompter{in: bufio.NewReader(os.Stdin), out: os.Stdout, fd: int(os.Stdin.Fd())}
}

// NewWithIO prompts on arbitrary streams; input is never treated as a
// terminal.
func NewWithIO(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out, fd: -1}
}

// Line asks for a value, returning def when the answer is empty.
func (p *Prompter) Line(label, def string) (string, error) {
	for {
		if def != "" {
			fmt.Fprintf(p.out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(p.out, "%s: ", label)
		}
		line, err := p.readLine()
		if err != nil {
			return "", err
		}
		if line == "" {
			line = def
		}
		if line != "" {
			return line, nil
		}
		fmt.Fprintf(p.out, "%s cannot be empty.\n", label)
	}
}

// Secret asks for a value with masked input. An empty answer keeps def.
func (p *Prompter) Secret(label, def string) (string, error) {
	for {
		if def != "" {
			fmt.Fprintf(p.out, "%s [%s]: ", label, Mask(def))
		} else {
			fmt.Fprintf(p.out, "%s: ", label)
		}
		var value string
		if p.fd >= 0 && term.IsTerminal(p.fd) {
			b, err := term.ReadPassword(p.fd)
			fmt.Fprintln(p.out)
			if err != nil {
				return "", err
			}
			value = strings.TrimSpace(string(b))
		} else {
			line, err := p.readLine()
			if err != nil {
				return "", err
			}
			value = line
		}
		if value == "" {
			value = def
		}
		if value != "" {
			return value, nil
		}
		fmt.Fprintf(p.out, "%s cannot be empty.\n", label)
	}
}

// Confirm asks a yes/no question; anything but y/yes is no.
func (p *Prompter) Confirm(message string) bool {
	for {
		fmt.Fprintf(p.out, "%s [y/N]: ", message)
		line, err := p.readLine()
		if err != nil {
			return false
		}
		switch strings.ToLower(line) {
		case "y", "yes":
			return true
		case "n", "no", "":
			return false
		default:
			fmt.Fprintln(p.out, "Please enter 'y' or 'n'.")
		}
	}
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Mask hides all but the edges of a secret for display.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:4] + "***" + secret[len(secret)-4:]
}

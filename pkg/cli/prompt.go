// Package cli holds line-oriented terminal prompts used by the init wizard.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In. Every prompt has
// a default that an empty answer or end of input selects, so scripted input
// can never loop forever.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	scanner *bufio.Scanner
	eof     bool
}

// DefaultPrompter uses stdin and stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

func (p *Prompter) readLine() string {
	if p.eof {
		return ""
	}
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if !p.scanner.Scan() {
		p.eof = true
		return ""
	}
	return strings.TrimSpace(p.scanner.Text())
}

// Ask reads one line, returning def for an empty answer.
func (p *Prompter) Ask(question, def string) string {
	if def != "" {
		p.printf("%s [%s]: ", question, def)
	} else {
		p.printf("%s: ", question)
	}
	if line := p.readLine(); line != "" {
		return line
	}
	return def
}

// AskSecret reads a line without echo when In is a terminal.
func (p *Prompter) AskSecret(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.readLine()
}

// AskInt reads an integer no smaller than min.
func (p *Prompter) AskInt(question string, def, min int) int {
	for {
		ans := p.Ask(question, strconv.Itoa(def))
		n, err := strconv.Atoi(ans)
		if err == nil && n >= min {
			return n
		}
		if p.eof {
			return def
		}
		p.printf("  Please enter a whole number of at least %d.\n", min)
	}
}

// AskList reads a comma- or space-separated list.
func (p *Prompter) AskList(question string, def []string) []string {
	ans := p.Ask(question, strings.Join(def, ","))
	fields := strings.FieldsFunc(ans, func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) == 0 {
		return def
	}
	return fields
}

// Choose prints numbered options and returns the chosen index.
func (p *Prompter) Choose(question string, options []string, def int) int {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == def {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}
	for {
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(def+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1
		}
		if p.eof {
			return def
		}
		p.printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := strings.ToLower(p.Ask(question+" ["+hint+"]", ""))
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(ans, "y")
}

// Package prompt is the user interaction surface of the sync machinery.
// The synchronization workflow asks questions through a Prompter rather
// than talking to a terminal directly, so the editor can route them to
// its own dialogs while the CLI answers on stdio.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/atelierhq/livesync/pkg/errors"
)

// Prompter asks the user questions and shows notices.
type Prompter interface {
	// PromptChoice asks the user to pick one of choices and returns the
	// selected entry.
	PromptChoice(title, message string, choices []string) (string, error)

	// PromptText asks the user for a single line of free text.
	PromptText(title, message string) (string, error)

	// Alert shows a message that requires no response.
	Alert(message string)
}

// Stdio prompts on the terminal.
type Stdio struct {
	In  io.Reader
	Out io.Writer

	reader *bufio.Reader
}

// NewStdio returns a Prompter wired to stdin and stdout.
func NewStdio() *Stdio {
	return &Stdio{In: os.Stdin, Out: os.Stdout}
}

// PromptChoice presents a numbered menu and reads the selection. It asks
// again on input that doesn't name an entry.
func (s *Stdio) PromptChoice(title, message string, choices []string) (string, error) {
	fmt.Fprintf(s.Out, "%s\n%s\n", title, message)
	for i, choice := range choices {
		fmt.Fprintf(s.Out, "  %d) %s\n", i+1, choice)
	}

	for {
		fmt.Fprintf(s.Out, "Choose [1-%d]: ", len(choices))
		line, err := s.readLine()
		if err != nil {
			return "", err
		}

		index, err := strconv.Atoi(strings.TrimSpace(line))
		if err == nil && index >= 1 && index <= len(choices) {
			return choices[index-1], nil
		}
		fmt.Fprintln(s.Out, "That isn't one of the choices.")
	}
}

// PromptText asks for one line of input and returns it with surrounding
// whitespace trimmed.
func (s *Stdio) PromptText(title, message string) (string, error) {
	fmt.Fprintf(s.Out, "%s\n%s\n> ", title, message)
	line, err := s.readLine()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Alert prints the message.
func (s *Stdio) Alert(message string) {
	fmt.Fprintln(s.Out, message)
}

func (s *Stdio) readLine() (string, error) {
	if s.reader == nil {
		s.reader = bufio.NewReader(s.In)
	}

	line, err := s.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", errors.WithContext(err, "read input")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Package util contains helpers shared by the CLI commands.
package util

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/livesync/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
	stdin  io.Reader = os.Stdin
	exit             = os.Exit
)

// HandleFatalError prints a friendly representation of the error and exits
// with a non-zero status.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(stderr, errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic turns an unexpected crash into a legible message instead of a
// raw stack trace. It should be deferred at the top of every long-running
// goroutine.
func HandlePanic() {
	r := recover()
	if r == nil {
		return
	}

	log.WithField("panic", r).Error(string(debug.Stack()))
	fmt.Fprintln(stderr, "Livesync unexpectedly exited. "+
		"Please rerun with LIVESYNC_LOG_VERBOSE=true and report the output.")
	exit(1)
}

// PromptYesOrNo asks the user the given question until they answer yes
// or no.
func PromptYesOrNo(question string) (bool, error) {
	reader := bufio.NewReader(stdin)
	for {
		fmt.Fprintf(stdout, "%s (y/n): ", question)
		response, err := reader.ReadString('\n')
		if err != nil {
			return false, err
		}

		switch strings.ToLower(strings.TrimSpace(response)) {
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}

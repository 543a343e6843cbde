package util

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// ClearProgress is the ANSI sequence that erases the line printed by a
// ProgressPrinter.
const ClearProgress = "\r\033[2K"

// ProgressPrinter prints a message followed by a trailing dot every second so
// long-running operations don't look stuck.
type ProgressPrinter struct {
	out      io.Writer
	message  string
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewProgressPrinter creates a progress printer that writes to out.
func NewProgressPrinter(out io.Writer, message string) *ProgressPrinter {
	return &ProgressPrinter{
		out:     out,
		message: message,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run prints the progress line until Stop is called. It's meant to be run in
// a goroutine.
func (pp *ProgressPrinter) Run() {
	defer close(pp.done)

	fmt.Fprint(pp.out, pp.message)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fmt.Fprint(pp.out, ".")
		case <-pp.stop:
			return
		}
	}
}

// Stop terminates Run and ends the progress line.
func (pp *ProgressPrinter) Stop() {
	pp.StopWithPrint("\n")
}

// StopWithPrint terminates Run and prints the given string in place of the
// usual trailing newline. Run must have been started, or this blocks forever.
func (pp *ProgressPrinter) StopWithPrint(s string) {
	pp.stopOnce.Do(func() {
		close(pp.stop)
		<-pp.done
		fmt.Fprint(pp.out, s)
	})
}

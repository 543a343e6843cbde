package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/atelierhq/livesync/cmd/util"
	"github.com/atelierhq/livesync/pkg/config"
	"github.com/atelierhq/livesync/pkg/errors"
	"github.com/atelierhq/livesync/pkg/gitsync"
	"github.com/atelierhq/livesync/pkg/project"
	"github.com/atelierhq/livesync/pkg/prompt"
)

// Mocked for unit testing.
var (
	stdout          io.Writer = os.Stdout
	exit                      = os.Exit
	parseUserConfig           = config.ParseUser
	newWorkflow               = realWorkflow
)

// syncer is the part of gitsync.Workflow the command drives.
type syncer interface {
	SetStatusHook(gitsync.Status)
	Sync(ctx context.Context, opts gitsync.Options) (gitsync.Direction, error)
}

func realWorkflow(store *project.Store, prompter prompt.Prompter, author, token string) syncer {
	// The CLI is the only writer of the project directory while it runs, so
	// a plain mutex satisfies the locking contract.
	return gitsync.New(store, &sync.Mutex{}, prompter, author, token)
}

// New creates a new `sync` command.
func New() *cobra.Command {
	var message string
	var reset bool
	var batch bool
	cmd := &cobra.Command{
		Use:   "sync [path_to_project]",
		Short: "Synchronize a project with its shared repository",
		Long: `Reconcile the project in the given directory (the current directory by
default) with its shared repository: take the shared version when it is
newer, push the local one when it is ahead, and ask which side should win
when both changed.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			opts := gitsync.Options{
				CommitMessage: message,
				ResetToRemote: reset,
				Automatic:     batch,
			}
			if err := run(dir, opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "",
		"The commit message describing the local changes. Required with --batch.")
	cmd.Flags().BoolVar(&reset, "reset", false,
		"Discard the local version and take the shared one.")
	cmd.Flags().BoolVar(&batch, "batch", false,
		"Run without prompting. Conflicts resolve toward the shared version.")
	return cmd
}

func run(dir string, opts gitsync.Options) error {
	userConfig, err := parseUserConfig()
	if err != nil {
		return errors.WithContext(err, "parse user config")
	}

	workflow := newWorkflow(project.NewStore(dir), prompt.NewStdio(),
		userConfig.Author, userConfig.Token)
	workflow.SetStatusHook(func(message string) {
		if message != "" {
			fmt.Fprintln(stdout, message)
		}
	})

	direction, err := workflow.Sync(context.Background(), opts)
	if err != nil {
		// The workflow already reported the failure.
		exit(1)
		return nil
	}

	switch direction {
	case gitsync.LocalToRemote:
		fmt.Fprintln(stdout, "Pushed the local version.")
	case gitsync.RemoteToLocal:
		fmt.Fprintln(stdout, "Took the shared version.")
	}
	return nil
}

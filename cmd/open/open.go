package open

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/atelierhq/livesync/cmd/util"
	"github.com/atelierhq/livesync/pkg/config"
	"github.com/atelierhq/livesync/pkg/errors"
	"github.com/atelierhq/livesync/pkg/fswatch"
	"github.com/atelierhq/livesync/pkg/gitsync"
	"github.com/atelierhq/livesync/pkg/project"
	"github.com/atelierhq/livesync/pkg/prompt"
	"github.com/atelierhq/livesync/pkg/room"
	roomsync "github.com/atelierhq/livesync/pkg/sync"
)

// Mocked for unit testing.
var (
	stdout          io.Writer = os.Stdout
	parseUserConfig           = config.ParseUser
)

// New creates a new `open` command.
func New() *cobra.Command {
	var roomName string
	var relayURL string
	cmd := &cobra.Command{
		Use:   "open [path_to_project]",
		Short: "Open a project in a live shared session",
		Long: `Join the project's shared editing session. The session keeps the project
synchronized with its repository as peers come and go, and runs until
interrupted.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if err := run(dir, roomName, relayURL); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&roomName, "room", "",
		"The room to join. Defaults to the project name.")
	cmd.Flags().StringVar(&relayURL, "relay", "",
		"The relay URL. Defaults to the `relay` field in "+config.UserConfigPath+".")
	return cmd
}

func run(dir, roomFlag, relayFlag string) error {
	userConfig, err := parseUserConfig()
	if err != nil {
		return errors.WithContext(err, "parse user config")
	}

	relayURL, err := resolveRelay(relayFlag, userConfig)
	if err != nil {
		return err
	}

	store := project.NewStore(dir)
	payload, err := store.Load()
	if err != nil {
		if _, ok := errors.RootCause(err).(errors.FileNotFound); ok {
			return errors.NewFriendlyError("No project found in %q: the "+
				"directory has no %s file.", dir, project.RecordFileName)
		}
		return errors.WithContext(err, "load project")
	}

	roomName := resolveRoom(roomFlag, payload.Project, dir)
	self := room.NewIdentity()
	membership := room.NewMembership(room.WebsocketDialer{URL: relayURL}, roomName, self)

	workflow := gitsync.New(store, &sync.Mutex{}, prompt.NewStdio(),
		userConfig.Author, userConfig.Token)
	workflow.SetStatusHook(func(message string) {
		if message != "" {
			log.Info(message)
		}
	})

	coord := roomsync.New(membership, workflow, store,
		func(from room.Identity, kind string, _ []byte) {
			// There is no editor behind the CLI to hand these to.
			log.WithFields(log.Fields{"from": from, "kind": kind}).
				Debug("Ignoring application message")
		})
	disposeState := coord.OnStateChange(func(state roomsync.State) {
		log.WithField("state", state).Info("Session state changed")
	})
	defer disposeState()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Observe the room before joining it so the roster replay isn't missed.
	coord.Start()
	defer coord.Close()

	if err := membership.Join(ctx); err != nil {
		return errors.WithContext(err, "join room")
	}
	defer membership.Close()

	assets := store.AssetsPath(payload.Project)
	if err := os.MkdirAll(assets, 0755); err != nil {
		return errors.WithContext(err, "create assets directory")
	}

	updates, stopWatch, err := fswatch.Watch(store.Path(), assets)
	if err != nil {
		return errors.WithContext(err, "watch project")
	}
	defer stopWatch()

	go func() {
		defer util.HandlePanic()
		for range updates {
			coord.NoteLocalStep()
		}
	}()

	fmt.Fprintf(stdout, "Joined room %q as %s. Press Ctrl+C to leave.\n",
		roomName, self)

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	<-interrupted

	fmt.Fprintln(stdout, "Leaving the session.")
	return nil
}

func resolveRelay(flagValue string, cfg config.User) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if cfg.Relay != "" {
		return cfg.Relay, nil
	}
	return "", errors.NewFriendlyError("No relay is configured. Set the "+
		"`relay` field in %s or pass --relay.", config.UserConfigPath)
}

// resolveRoom picks the room to join: the explicit flag, then the project
// name, then the name of the project directory.
func resolveRoom(flagValue string, record project.Record, dir string) string {
	if flagValue != "" {
		return flagValue
	}
	if record.Name != "" {
		return record.Name
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return filepath.Base(dir)
	}
	return filepath.Base(abs)
}

package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/atelierhq/livesync/cmd/bugtool"
	configCmd "github.com/atelierhq/livesync/cmd/config"
	"github.com/atelierhq/livesync/cmd/open"
	relayCmd "github.com/atelierhq/livesync/cmd/relay"
	syncCmd "github.com/atelierhq/livesync/cmd/sync"
	"github.com/atelierhq/livesync/cmd/upgradecli"
	"github.com/atelierhq/livesync/cmd/util"
	"github.com/atelierhq/livesync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "LIVESYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	rootCmd := &cobra.Command{
		Use:          "livesync",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		bugtool.New(),
		configCmd.New(),
		open.New(),
		relayCmd.New(),
		syncCmd.New(),
		upgradecli.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}

package relay

import (
	"github.com/spf13/cobra"

	"github.com/atelierhq/livesync/cmd/util"
	"github.com/atelierhq/livesync/pkg/config"
	"github.com/atelierhq/livesync/pkg/errors"
	"github.com/atelierhq/livesync/pkg/relay"
)

// New creates a new `relay` command.
func New() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay that carries live session traffic",
		Long: "Run the relay that carries live session traffic between peers.\n" +
			"Clients point at it through the `relay` field in " +
			config.UserConfigPath + ".",
		Run: func(_ *cobra.Command, _ []string) {
			if err := relay.New().Run(address); err != nil {
				util.HandleFatalError(errors.WithContext(err, "serve relay"))
			}
		},
	}
	cmd.Flags().StringVar(&address, "address", ":9900",
		"The address to listen for peers on.")
	return cmd
}

package config

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/user"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/atelierhq/livesync/cmd/util"
	"github.com/atelierhq/livesync/pkg/config"
	"github.com/atelierhq/livesync/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout          io.Writer = os.Stdout
	stdin           io.Reader = os.Stdin
	guessDefaults             = guessDefaultsImpl
	parseUserConfig           = config.ParseUser
	getCurrentUser            = user.Current
)

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts config.User
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the Livesync user configuration",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s", err)
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&cliOpts.Author, "author", "",
		"Set the commit author in the config. "+
			"Optional: If not set, `livesync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Relay, "relay", "",
		"Set the relay URL in the config. "+
			"Optional: If not set, `livesync config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.Token, "token", "",
		"Set the repository token in the config. "+
			"Optional: If not set, `livesync config` will interactively prompt.")

	// Setup the commands for querying the contents of the user config.
	type getterSpec struct {
		use, short string
		fn         func(config.User) string
	}

	getters := []getterSpec{
		{
			use:   "get-author",
			short: "Get the currently configured commit author",
			fn:    func(cfg config.User) string { return cfg.Author },
		},
		{
			use:   "get-relay",
			short: "Get the currently configured relay URL",
			fn:    func(cfg config.User) string { return cfg.Relay },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := parseUserConfig()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

// SetupConfig interactively builds the user config and writes it to disk.
func SetupConfig(cliOpts config.User) error {
	cfg, err := generateConfig(cliOpts)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := config.WriteUser(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := config.GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "get user config path")
	}

	fmt.Printf("Wrote config to %s\n", path)
	return nil
}

func authorValidationFn(author string) (string, bool) {
	if strings.TrimSpace(author) == "" {
		return "An author name is required so that sync commits can be " +
			"attributed. Please enter a name.", false
	}
	return "", true
}

func relayValidationFn(relay string) (string, bool) {
	// An empty relay is allowed: `livesync sync` works without one, and
	// `livesync open` reports the missing relay when it's actually needed.
	if relay == "" {
		return "", true
	}

	parsed, err := url.Parse(relay)
	if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") {
		return "The relay URL must start with ws:// or wss://. " +
			"For example: ws://relay.example.com:9900.", false
	}
	return "", true
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the user's desired
// configuration is.
// It makes best guesses at reasonable defaults, and allows users to explicitly
// override them if desired.
func generateConfig(cliOpts config.User) (config.User, error) {
	defaults := guessDefaults()
	currConfig, err := parseUserConfig()
	if err != nil {
		currConfig = config.User{}
		log.WithError(err).Debug("Failed to read current config")
	}

	cfg := cliOpts
	var prompts []prompt
	if cliOpts.Author == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the name to record on sync commits made from this machine.\n" +
				"It defaults to your operating system user.",
			prompt:        "Commit author",
			defaultAnswer: defaults.Author,
			currAnswer:    currConfig.Author,
			field:         &cfg.Author,
			validationFn:  authorValidationFn,
		})
	}

	if cliOpts.Relay == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the websocket URL of the relay that carries live session traffic.\n" +
				"Everyone collaborating on a project must use the same relay.",
			prompt:        "Relay URL",
			defaultAnswer: defaults.Relay,
			currAnswer:    currConfig.Relay,
			field:         &cfg.Relay,
			validationFn:  relayValidationFn,
		})
	}

	if cliOpts.Token == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the access token used to push and fetch project repositories.\n" +
				"Leave it empty to rely on credentials embedded in each repository URL.",
			prompt:        "Repository token",
			defaultAnswer: defaults.Token,
			currAnswer:    currConfig.Token,
			field:         &cfg.Token,
		})
	}

	for _, prompt := range prompts {
		var resp string
		for {
			resp, err = promptUser(prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.User{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(resp)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = resp
	}

	return cfg, nil
}

// guessDefaults tries to guess reasonable defaults for the fields in the user
// config.
func guessDefaultsImpl() (cfg config.User) {
	if author, err := guessAuthor(); err == nil {
		cfg.Author = author
	} else {
		log.WithError(err).Info("Failed to guess author")
	}

	return cfg
}

func guessAuthor() (string, error) {
	currConfig, err := parseUserConfig()
	if err == nil && currConfig.Author != "" {
		return currConfig.Author, nil
	}

	user, err := getCurrentUser()
	if err != nil {
		return "", errors.WithContext(err, "get current user")
	}
	if user.Name != "" {
		return user.Name, nil
	}
	return user.Username, nil
}

func promptUser(helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	stdinReader := bufio.NewReader(stdin)

	if nOptions := len(options); nOptions > 1 {
		// defaultAnswer or currAnswer exists.
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimRight(choiceStr, "\n")

			// Default to the first choice if user doesn't enter anything.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					// Try again if the input is invalid.
					continue
				}
			}

			if choice == nOptions {
				// Enter manually.
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimRight(resp, "\n"), nil
}

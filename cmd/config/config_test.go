package config

import (
	"bytes"
	"fmt"
	"io"
	"os/user"
	"testing"

	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"github.com/atelierhq/livesync/pkg/config"
	"github.com/atelierhq/livesync/pkg/errors"
)

const authorPrompt = "Enter the name to record on sync commits made from this machine.\n" +
	"It defaults to your operating system user.\n" +
	"Commit author:\n"

const relayPrompt = "Enter the websocket URL of the relay that carries live session traffic.\n" +
	"Everyone collaborating on a project must use the same relay.\n" +
	"Relay URL:\n"

const tokenPrompt = "Enter the access token used to push and fetch project repositories.\n" +
	"Leave it empty to rely on credentials embedded in each repository URL.\n" +
	"Repository token:\n"

const badRelayMessage = "The relay URL must start with ws:// or wss://. " +
	"For example: ws://relay.example.com:9900.\n"

func TestPromptUser(t *testing.T) {
	tests := []struct {
		name                                                 string
		helpString, prompt, defaultAnswer, currAnswer, stdin string
		expPrompt, expResult                                 string
	}{
		{
			name:       "Manual entry only",
			helpString: "Where is the relay?",
			prompt:     "Relay URL",
			stdin:      "ws://relay:9900\n",
			expPrompt: "Where is the relay?\n" +
				"Relay URL:\n" +
				"Please enter manually: \n",
			expResult: "ws://relay:9900",
		},
		{
			name:          "Choose the default",
			helpString:    "Who are you?",
			prompt:        "Commit author",
			defaultAnswer: "ada",
			stdin:         "1\n",
			expPrompt: "Who are you?\n" +
				"Commit author:\n" +
				"\n" +
				"\t1. ada (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n",
			expResult: "ada",
		},
		{
			name:          "Choose the current value",
			helpString:    "Who are you?",
			prompt:        "Commit author",
			defaultAnswer: "ada",
			currAnswer:    "grace",
			stdin:         "2\n",
			expPrompt: "Who are you?\n" +
				"Commit author:\n" +
				"\n" +
				"\t1. ada (recommended)\n" +
				"\t2. grace\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: \n",
			expResult: "grace",
		},
		{
			name:          "Empty response picks the default",
			helpString:    "Who are you?",
			prompt:        "Commit author",
			defaultAnswer: "ada",
			currAnswer:    "grace",
			stdin:         "\n",
			expPrompt: "Who are you?\n" +
				"Commit author:\n" +
				"\n" +
				"\t1. ada (recommended)\n" +
				"\t2. grace\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: \n",
			expResult: "ada",
		},
		{
			name:          "Invalid choice retries",
			helpString:    "Who are you?",
			prompt:        "Commit author",
			defaultAnswer: "ada",
			stdin: "7\n" +
				"2\n" +
				"grace hopper\n",
			expPrompt: "Who are you?\n" +
				"Commit author:\n" +
				"\n" +
				"\t1. ada (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: " +
				"Please choose one [1-2]: " +
				"Please enter manually: \n",
			expResult: "grace hopper",
		},
	}

	type promptUserResult struct {
		resp string
		err  error
	}
	for _, test := range tests {
		// Setup mocks.
		out := bytes.NewBuffer(nil)
		stdinReader, stdinWriter := io.Pipe()
		stdout = out
		stdin = stdinReader

		// Start the promptUser function.
		resultChan := make(chan promptUserResult)
		go func() {
			resp, err := promptUser(test.helpString, test.prompt,
				test.defaultAnswer, test.currAnswer)
			resultChan <- promptUserResult{resp, err}
		}()

		// Provide the user input.
		fmt.Fprintln(stdinWriter, test.stdin)

		// Check that promptUser behaved as expected.
		result := <-resultChan
		assert.NoError(t, result.err, test.name)
		assert.Equal(t, test.expResult, result.resp, test.name)

		// Test the prompt after `promptUser` has exited so that we can be sure
		// we're not testing before `promptUser` has a chance to print to stdout.
		assert.Equal(t, test.expPrompt, out.String(), test.name)
	}
}

func TestAuthorValidation(t *testing.T) {
	requiredMessage := "An author name is required so that sync commits can " +
		"be attributed. Please enter a name."

	tests := []struct {
		name          string
		input         string
		expInputValid bool
		expPrompt     string
	}{
		{name: "valid name", input: "ada", expInputValid: true},
		{name: "valid name with spaces", input: "Ada Lovelace", expInputValid: true},
		{name: "empty", input: "", expInputValid: false, expPrompt: requiredMessage},
		{name: "whitespace only", input: "   ", expInputValid: false, expPrompt: requiredMessage},
	}

	for _, test := range tests {
		prompt, ok := authorValidationFn(test.input)
		assert.Equal(t, test.expInputValid, ok, test.name)
		assert.Equal(t, test.expPrompt, prompt, test.name)
	}
}

func TestRelayValidation(t *testing.T) {
	badSchemeMessage := "The relay URL must start with ws:// or wss://. " +
		"For example: ws://relay.example.com:9900."

	tests := []struct {
		name          string
		input         string
		expInputValid bool
		expPrompt     string
	}{
		{name: "empty is allowed", input: "", expInputValid: true},
		{name: "ws", input: "ws://relay.example.com:9900", expInputValid: true},
		{name: "wss", input: "wss://relay.example.com", expInputValid: true},
		{name: "https rejected", input: "https://relay.example.com",
			expInputValid: false, expPrompt: badSchemeMessage},
		{name: "bare host rejected", input: "relay.example.com:9900",
			expInputValid: false, expPrompt: badSchemeMessage},
	}

	for _, test := range tests {
		prompt, ok := relayValidationFn(test.input)
		assert.Equal(t, test.expInputValid, ok, test.name)
		assert.Equal(t, test.expPrompt, prompt, test.name)
	}
}

func TestGenerateConfig(t *testing.T) {
	tests := []struct {
		name                string
		cliOpts             config.User
		defaults            config.User
		mockParseUserConfig func() (config.User, error)
		inputs              []string
		expPrompt           string
		expConfig           config.User
	}{
		{
			name:     "Initial setup -- ~/.livesync.yaml doesn't exist yet",
			defaults: config.User{Author: "ada"},
			mockParseUserConfig: func() (config.User, error) {
				return config.User{}, errors.FileNotFound{}
			},
			inputs: []string{"1\n", "ws://relay.example.com:9900\n", "\n"},
			expPrompt: authorPrompt +
				"\n" +
				"\t1. ada (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n" +
				relayPrompt +
				"Please enter manually: \n" +
				tokenPrompt +
				"Please enter manually: \n",
			expConfig: config.User{
				Author: "ada",
				Relay:  "ws://relay.example.com:9900",
			},
		},
		{
			name:     "Existing config offers its values",
			defaults: config.User{Author: "ada"},
			mockParseUserConfig: func() (config.User, error) {
				return config.User{
					Author: "grace",
					Relay:  "ws://old.example.com:9900",
					Token:  "old-token",
				}, nil
			},
			inputs: []string{"2\n", "1\n", "1\n"},
			expPrompt: authorPrompt +
				"\n" +
				"\t1. ada (recommended)\n" +
				"\t2. grace\n" +
				"\t3. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-3]: \n" +
				relayPrompt +
				"\n" +
				"\t1. ws://old.example.com:9900 (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n" +
				tokenPrompt +
				"\n" +
				"\t1. old-token (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n",
			expConfig: config.User{
				Author: "grace",
				Relay:  "ws://old.example.com:9900",
				Token:  "old-token",
			},
		},
		{
			name:     "Invalid relay URL is rejected",
			defaults: config.User{Author: "ada"},
			mockParseUserConfig: func() (config.User, error) {
				return config.User{}, errors.FileNotFound{}
			},
			inputs: []string{"1\n", "https://relay.example.com\n",
				"ws://relay.example.com:9900\n", "\n"},
			expPrompt: authorPrompt +
				"\n" +
				"\t1. ada (recommended)\n" +
				"\t2. (Enter manually)\n" +
				"\n" +
				"Please choose one [1-2]: \n" +
				relayPrompt +
				"Please enter manually: \n" +
				badRelayMessage +
				relayPrompt +
				"Please enter manually: \n" +
				tokenPrompt +
				"Please enter manually: \n",
			expConfig: config.User{
				Author: "ada",
				Relay:  "ws://relay.example.com:9900",
			},
		},
		{
			name: "All fields set explicitly with CLI flags",
			cliOpts: config.User{
				Author: "cli-ada",
				Relay:  "ws://cli.example.com:9900",
				Token:  "cli-token",
			},
			defaults: config.User{Author: "ada"},
			mockParseUserConfig: func() (config.User, error) {
				return config.User{Author: "grace"}, nil
			},
			expConfig: config.User{
				Author: "cli-ada",
				Relay:  "ws://cli.example.com:9900",
				Token:  "cli-token",
			},
		},
	}

	type generateConfigResult struct {
		cfg config.User
		err error
	}

	for _, test := range tests {
		test := test

		// Setup mocks.
		out := bytes.NewBuffer(nil)
		stdinReader, stdinWriter := io.Pipe()
		stdout = out
		stdin = stdinReader
		guessDefaults = func() config.User { return test.defaults }
		parseUserConfig = test.mockParseUserConfig

		// Start the generateConfig function.
		resultChan := make(chan generateConfigResult)
		go func() {
			resp, err := generateConfig(test.cliOpts)
			resultChan <- generateConfigResult{resp, err}
		}()

		// Provide the user input.
		for _, input := range test.inputs {
			fmt.Fprint(stdinWriter, input)
		}

		// Check that generateConfig behaved as expected.
		result := <-resultChan
		assert.NoError(t, result.err, test.name)
		assert.Equal(t, test.expConfig, result.cfg, test.name)

		// Test the prompt after `generateConfig` has exited so that we can be
		// sure we're not testing before `generateConfig` has a chance to print
		// to stdout.
		assert.Equal(t, test.expPrompt, out.String(), test.name)
	}
}

func TestGuessDefaults(t *testing.T) {
	tests := []struct {
		name            string
		parseUserConfig func() (config.User, error)
		getCurrentUser  func() (*user.User, error)
		expCfg          config.User
		expLogs         []string
	}{
		{
			name: "Current config takes precedence",
			parseUserConfig: func() (config.User, error) {
				return config.User{Author: "grace"}, nil
			},
			getCurrentUser: func() (*user.User, error) {
				return &user.User{Username: "ada", Name: "Ada Lovelace"}, nil
			},
			expCfg: config.User{Author: "grace"},
		},
		{
			name: "Full name preferred over username",
			parseUserConfig: func() (config.User, error) {
				return config.User{}, errors.FileNotFound{}
			},
			getCurrentUser: func() (*user.User, error) {
				return &user.User{Username: "ada", Name: "Ada Lovelace"}, nil
			},
			expCfg: config.User{Author: "Ada Lovelace"},
		},
		{
			name: "Username fallback",
			parseUserConfig: func() (config.User, error) {
				return config.User{}, errors.FileNotFound{}
			},
			getCurrentUser: func() (*user.User, error) {
				return &user.User{Username: "ada"}, nil
			},
			expCfg: config.User{Author: "ada"},
		},
		{
			name: "Failure case",
			parseUserConfig: func() (config.User, error) {
				return config.User{}, errors.FileNotFound{}
			},
			getCurrentUser: func() (*user.User, error) {
				return nil, errors.New("error")
			},
			expCfg:  config.User{},
			expLogs: []string{"Failed to guess author"},
		},
	}

	for _, test := range tests {
		// Setup mocks.
		parseUserConfig = test.parseUserConfig
		getCurrentUser = test.getCurrentUser
		logHook := logrusTest.NewGlobal()

		assert.Equal(t, test.expCfg, guessDefaultsImpl(), test.name)
		assert.Len(t, logHook.Entries, len(test.expLogs), test.name)
		for i, log := range test.expLogs {
			assert.Equal(t, log, logHook.Entries[i].Message, test.name)
		}
	}
}

func TestGetters(t *testing.T) {
	configCmd := New()
	authorCmd, _, err := configCmd.Find([]string{"get-author"})
	assert.NoError(t, err)
	relayCmd, _, err := configCmd.Find([]string{"get-relay"})
	assert.NoError(t, err)

	expAuthor := "ada"
	expRelay := "ws://relay.example.com:9900"
	parseUserConfig = func() (config.User, error) {
		return config.User{
			Author: expAuthor,
			Relay:  expRelay,
		}, nil
	}

	out := bytes.NewBuffer(nil)
	stdout = out

	authorCmd.Run(nil, nil)
	relayCmd.Run(nil, nil)
	assert.Equal(t, fmt.Sprintf("%s\n%s\n", expAuthor, expRelay), out.String())
}

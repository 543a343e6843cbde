package config

import (
	"net/url"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/atelierhq/livesync/pkg/errors"
)

const (
	// UserConfigPath is the default path to the Livesync user config.
	UserConfigPath = "~/.livesync.yaml"

	// InitialUserConfigVersion is the first version of the Livesync
	// user config. Config files that do not specify a version
	// will default to this version.
	InitialUserConfigVersion = "v1alpha1"

	// SupportedUserConfigVersion is the supported version of the
	// Livesync user config of the current Livesync binary.
	SupportedUserConfigVersion = "v1alpha1"
)

// User contains configuration used to identify the user and reach the
// shared services.
type User struct {
	Version string `json:"version,omitempty"`

	// Author is the name recorded on sync commits made on this user's
	// behalf.
	Author string `json:"author"`

	// Relay is the websocket URL of the room relay, e.g.
	// ws://relay.example.com:9900.
	Relay string `json:"relay"`

	// Token authenticates against the git remote when the project doesn't
	// embed credentials in its repository URL.
	Token string `json:"token,omitempty"`
}

func (u User) getVersion() string {
	return u.Version
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseUser attempts to parse the User stored in the default path.
func ParseUser() (User, error) {
	path, err := GetUserConfigPath()
	if err != nil {
		return User{}, errors.WithContext(err, "expand config path")
	}

	config := User{Version: InitialUserConfigVersion}
	if err := parseConfig(path, &config, SupportedUserConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return User{}, errors.NewFriendlyError("The Livesync user config "+
				"file doesn't exist at %q. Please run `livesync config` to "+
				"create the user config file.", path)
		}
		return User{}, errors.WithContext(err, "parse")
	}

	if config.Relay != "" {
		if err := validateRelayURL(config.Relay); err != nil {
			return User{}, err
		}
	}
	return config, nil
}

// WriteUser writes the given user config to disk.
func WriteUser(cfg User) error {
	cfg.Version = SupportedUserConfigVersion
	path, err := GetUserConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetUserConfigPath returns the path to the user's global Livesync
// configuration. This path is expanded, so it can be directly passed to file
// operations.
func GetUserConfigPath() (string, error) {
	return homedirExpand(UserConfigPath)
}

func validateRelayURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return errors.NewFriendlyError("The relay URL %q could not be "+
			"parsed: %s.", raw, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return errors.NewFriendlyError("The relay URL %q must use the ws or "+
			"wss scheme.", raw)
	}
	return nil
}

package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atelierhq/livesync/pkg/errors"
)

// versionResponse is the JSON body served by the /version route.
type versionResponse struct {
	Version string `json:"version"`
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// FetchVersion asks the relay at the given websocket URL which version it's
// running. The relay serves its plain HTTP routes on the same address as the
// websocket endpoint.
func FetchVersion(relayURL string) (string, error) {
	base, err := httpBaseURL(relayURL)
	if err != nil {
		return "", err
	}

	resp, err := httpClient.Get(base + "/version")
	if err != nil {
		return "", errors.WithContext(err, "get version")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.New(fmt.Sprintf("relay responded with %s", resp.Status))
	}

	var body versionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errors.WithContext(err, "decode version")
	}
	return body.Version, nil
}

func httpBaseURL(relayURL string) (string, error) {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return "", errors.WithContext(err, "parse relay URL")
	}

	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", errors.New(fmt.Sprintf("unsupported relay scheme %q", parsed.Scheme))
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}

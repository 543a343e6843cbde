package project

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// machineIDFiles are tried in order when identifying the machine. When none
// exists, the hostname is used instead.
var machineIDFiles = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// Footprint identifies one installation of a project: the hash of the
// machine identity and the absolute project path. Two checkouts of the same
// repository on different machines, or at different paths on the same
// machine, have different footprints. A sync commit made by an installation
// with the same footprint as ours came from this very checkout.
func Footprint(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(machineID() + ":" + abs))
	return hex.EncodeToString(sum[:]), nil
}

func machineID() string {
	for _, path := range machineIDFiles {
		contents, err := afero.ReadFile(fs, path)
		if err != nil {
			continue
		}
		if id := bytes.TrimSpace(contents); len(id) > 0 {
			return string(id)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

package bugtool

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/atelierhq/livesync/cmd/util"
	"github.com/atelierhq/livesync/pkg/config"
	"github.com/atelierhq/livesync/pkg/errors"
	"github.com/atelierhq/livesync/pkg/project"
	"github.com/atelierhq/livesync/pkg/relay"
	"github.com/atelierhq/livesync/pkg/version"
)

var fs = afero.NewOsFs()

// Mocked for unit testing.
var (
	parseUserConfig   = config.ParseUser
	fetchRelayVersion = relay.FetchVersion
)

// New creates a new `bug-tool` command.
func New() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "bug-tool [path_to_project]",
		Short: "Generate an archive for Livesync debugging",
		Run: func(_ *cobra.Command, args []string) {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			main(dir, out)
		},
		Args: cobra.MaximumNArgs(1),
	}
	cmd.Flags().StringVar(&out, "out", "", "path for archive")
	return cmd
}

func main(dir, out string) {
	tmpdir, err := afero.TempDir(fs, "", "livesync-bug-tool")
	if err != nil {
		err = errors.NewFriendlyError("Failed to create out directory:\n%s", err)
		util.HandleFatalError(err)
	}

	// Wrap defer in a function to handle errors from fs.RemoveAll().
	defer func() {
		err := fs.RemoveAll(tmpdir)
		if err != nil {
			util.HandleFatalError(err)
		}
	}()

	setupInfo(tmpdir, dir)

	if out == "" {
		out = fmt.Sprintf("livesync-bug-info-%s.tar.gz",
			time.Now().Format("Jan_02_2006-15-04-05"))
	}
	if err := tarDirectory(tmpdir, out); err != nil {
		err = errors.NewFriendlyError("Failed to tar:\n%s", err)
		util.HandleFatalError(err)
	}

	msg := `Created bug information archive at '%s'.
Please attach it when reporting an issue to the Livesync team at 'support@livesync.dev'.
You may want to edit the archive if your project contains sensitive information.
The archive contains:
 * The Livesync user configuration, with the repository token redacted.
 * The project record, including the recorded sync stamp.
 * The machine footprint that qualifies sync stamps.
 * The names and sizes of the files in the assets directory.
 * The version of the Livesync CLI and the configured relay.
`
	fmt.Printf(msg, out)
}

// setupInfo collects as much as it can. Each collector is best effort so that
// a broken piece of state doesn't prevent reporting on the rest.
func setupInfo(root, dir string) {
	if err := setupUserConfig(root); err != nil {
		log.WithError(err).Warn("Failed to collect user config")
	}

	store := project.NewStore(dir)
	payload, err := store.Load()
	if err != nil {
		log.WithError(err).Warn("Failed to load project record")
	} else {
		if err := setupProjectRecord(root, payload); err != nil {
			log.WithError(err).Warn("Failed to collect project record")
		}

		if err := setupAssetsListing(root, store.AssetsPath(payload.Project)); err != nil {
			log.WithError(err).Warn("Failed to collect assets listing")
		}
	}

	if err := setupEnvironment(root, store.Dir()); err != nil {
		log.WithError(err).Warn("Failed to collect environment info")
	}

	if err := setupVersion(root); err != nil {
		log.WithError(err).Warn("Failed to collect version info")
	}
}

func setupUserConfig(root string) error {
	cfg, err := parseUserConfig()
	if err != nil {
		return errors.WithContext(err, "parse user config")
	}
	if cfg.Token != "" {
		cfg.Token = "<redacted>"
	}

	contents, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}
	return afero.WriteFile(fs, filepath.Join(root, "config.yaml"), contents, 0644)
}

func setupProjectRecord(root string, payload project.Payload) error {
	// Repository URLs may embed credentials.
	if parsed, err := url.Parse(payload.Project.Repository); err == nil && parsed.User != nil {
		parsed.User = nil
		payload.Project.Repository = parsed.String()
	}

	contents, err := project.Serialize(payload)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, filepath.Join(root, project.RecordFileName), contents, 0644)
}

// setupAssetsListing records the names and sizes of the asset files. The
// contents stay on the user's machine.
func setupAssetsListing(root, assetsDir string) error {
	outFile, err := fs.Create(filepath.Join(root, "assets"))
	if err != nil {
		return errors.WithContext(err, "create")
	}
	defer outFile.Close()

	exists, err := afero.DirExists(fs, assetsDir)
	if err != nil {
		return errors.WithContext(err, "stat assets")
	}
	if !exists {
		fmt.Fprintln(outFile, "(no assets directory)")
		return nil
	}

	return afero.Walk(fs, assetsDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		relPath, err := filepath.Rel(assetsDir, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(outFile, "%s\t%d\n", relPath, fi.Size())
		return nil
	})
}

func setupEnvironment(root, dir string) error {
	footprint, err := project.Footprint(dir)
	if err != nil {
		return errors.WithContext(err, "compute footprint")
	}

	hostname, _ := os.Hostname()
	contents := fmt.Sprintf("footprint: %s\nos: %s\nhostname: %s\n",
		footprint, runtime.GOOS, hostname)
	return afero.WriteFile(fs, filepath.Join(root, "environment"), []byte(contents), 0644)
}

func setupVersion(root string) error {
	outdir := filepath.Join(root, "version")
	if err := fs.Mkdir(outdir, 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}

	localOut, err := fs.Create(filepath.Join(outdir, "local"))
	if err != nil {
		return errors.WithContext(err, "create")
	}
	defer localOut.Close()
	fmt.Fprintf(localOut, "local version: %s\n", version.Version)

	cfg, err := parseUserConfig()
	if err != nil {
		return errors.WithContext(err, "parse user config")
	}
	if cfg.Relay == "" {
		return nil
	}

	relayVersion, err := fetchRelayVersion(cfg.Relay)
	if err != nil {
		return errors.WithContext(err, "get relay version")
	}

	relayOut, err := fs.Create(filepath.Join(outdir, "relay"))
	if err != nil {
		return errors.WithContext(err, "create")
	}
	defer relayOut.Close()
	fmt.Fprintf(relayOut, "relay version: %s\n", relayVersion)

	return nil
}

func tarDirectory(src, outPath string) error {
	out, err := fs.Create(outPath)
	if err != nil {
		return errors.WithContext(err, "open destination")
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return afero.Walk(fs, src, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("make header %s", file))
		}

		relPath, err := filepath.Rel(src, file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("get relative path of %s to %s", file, src))
		}

		header.Name = filepath.Join("livesync-bug-info", relPath)
		if err := tw.WriteHeader(header); err != nil {
			return errors.WithContext(err, fmt.Sprintf("write %s header", file))
		}

		// Only write contents if it's a file (i.e. not a directory).
		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := fs.Open(file)
		if err != nil {
			return errors.WithContext(err, fmt.Sprintf("open %s", file))
		}
		defer f.Close()

		if _, err := io.Copy(tw, f); err != nil {
			return errors.WithContext(err, fmt.Sprintf("copy %s", file))
		}
		return nil
	})
}

// Package project reads and writes the on-disk shape of an editor project:
// the project document, the assets directory next to it, and the sync
// provenance recorded between synchronizations.
package project

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/atelierhq/livesync/pkg/errors"
)

const (
	// RecordFileName is the name of the project file inside a project
	// directory. The same file, with the same shape, lives at the root of
	// the git remote.
	RecordFileName = "project.atelier"

	// AssetsDirName is the default directory of binary assets next to the
	// project file.
	AssetsDirName = "assets"
)

// Payload is the persisted project document: the project record plus the
// flattened closure of entries it references. Local save/open and the git
// workflow consume and produce the same shape.
type Payload struct {
	Project Record  `json:"project"`
	Entries []Entry `json:"entries,omitempty"`
}

// Entry is one referenced sub-entity. The sync machinery carries Data
// through without interpreting it.
type Entry struct {
	ID   string          `json:"id"`
	Kind string          `json:"kind,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Record is the project object within the payload. The editor owns Body;
// the sync machinery only reads and writes the repository URL, the assets
// path, and the sync stamp.
type Record struct {
	Name       string          `json:"name"`
	AssetsPath string          `json:"assetsPath,omitempty"`
	Repository string          `json:"repository,omitempty"`
	LastSync   *SyncStamp      `json:"lastSync,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// SyncStamp records the provenance of the last git synchronization: when
// the sync commit was made, and the footprint of the installation that
// recorded it. A stamp whose footprint differs from the current computed
// footprint means the project file arrived from elsewhere and this
// installation has never reconciled with the remote.
type SyncStamp struct {
	Timestamp int64  `json:"timestamp"`
	Footprint string `json:"footprint"`
}

// Locker serializes access to a project's synchronized state between the
// editor and the sync machinery. Editors provide their own implementation;
// a sync.Mutex works when there is no editor in the picture.
type Locker interface {
	Lock()
	Unlock()
}

// Store reads and writes one project directory.
type Store struct {
	dir string
}

// NewStore creates a store for the project in the given directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the project directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the path of the project file.
func (s *Store) Path() string {
	return filepath.Join(s.dir, RecordFileName)
}

// AssetsPath returns the directory holding the project's assets: the
// record's configured path when set (resolved against the project
// directory), or the assets directory next to the project file.
func (s *Store) AssetsPath(record Record) string {
	if record.AssetsPath == "" {
		return filepath.Join(s.dir, AssetsDirName)
	}
	if filepath.IsAbs(record.AssetsPath) {
		return record.AssetsPath
	}
	return filepath.Join(s.dir, record.AssetsPath)
}

// Load parses the project file.
func (s *Store) Load() (Payload, error) {
	contents, err := afero.ReadFile(fs, s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return Payload{}, errors.FileNotFound{Path: s.Path()}
		}
		return Payload{}, errors.WithContext(err, "read project file")
	}
	return Parse(contents)
}

// Parse decodes a project document.
func Parse(contents []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(contents, &payload); err != nil {
		return Payload{}, errors.WithContext(err, "parse project file")
	}
	if payload.Project.Name == "" {
		return Payload{}, errors.MissingFieldError{Field: "project.name"}
	}
	return payload, nil
}

// Serialize encodes a project document the way Save writes it.
func Serialize(payload Payload) ([]byte, error) {
	contents, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, errors.WithContext(err, "marshal project file")
	}
	return contents, nil
}

// Save writes the project file.
func (s *Store) Save(payload Payload) error {
	contents, err := Serialize(payload)
	if err != nil {
		return err
	}

	if err := fs.MkdirAll(s.dir, 0755); err != nil {
		return errors.WithContext(err, "create project directory")
	}
	if err := afero.WriteFile(fs, s.Path(), contents, 0644); err != nil {
		return errors.WithContext(err, "write project file")
	}
	return nil
}

// Apply installs a payload that arrived from the remote repository. The
// incoming sync stamp is dropped (provenance is recorded separately, with
// this installation's footprint), and a locally configured assets path
// wins over the incoming one so the local mapping survives the sync.
func (s *Store) Apply(incoming Payload) error {
	local, err := s.Load()
	switch err.(type) {
	case nil:
		if local.Project.AssetsPath != "" {
			incoming.Project.AssetsPath = local.Project.AssetsPath
		}
	case errors.FileNotFound:
	default:
		return err
	}

	incoming.Project.LastSync = nil
	return s.Save(incoming)
}

// SetLastSync updates only the sync stamp of the project file, leaving the
// editor-owned contents untouched.
func (s *Store) SetLastSync(stamp SyncStamp) error {
	payload, err := s.Load()
	if err != nil {
		return err
	}

	payload.Project.LastSync = &stamp
	return s.Save(payload)
}

// LastSync returns the recorded sync stamp, or a zero stamp if the project
// never synced.
func (s *Store) LastSync() (SyncStamp, error) {
	payload, err := s.Load()
	if err != nil {
		return SyncStamp{}, err
	}
	if payload.Project.LastSync == nil {
		return SyncStamp{}, nil
	}
	return *payload.Project.LastSync, nil
}

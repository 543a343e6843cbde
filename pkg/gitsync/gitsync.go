// Package gitsync implements the git-backed half of project
// synchronization: a whole-project reconcile against the project's
// remote repository. One side wins and replaces the other wholesale.
// There is no file-level merging; the unit of conflict resolution is
// the entire project.
package gitsync

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/atelierhq/livesync/pkg/config"
	"github.com/atelierhq/livesync/pkg/errors"
	"github.com/atelierhq/livesync/pkg/project"
	"github.com/atelierhq/livesync/pkg/prompt"
)

// Direction is the way a synchronization resolved.
type Direction int

const (
	// LocalToRemote means the local version was committed and pushed.
	LocalToRemote Direction = iota

	// RemoteToLocal means the remote version replaced the local project.
	RemoteToLocal
)

func (d Direction) String() string {
	switch d {
	case LocalToRemote:
		return "local-to-remote"
	case RemoteToLocal:
		return "remote-to-local"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Options control a single synchronization run.
type Options struct {
	// ResetToRemote skips the version comparison and forces the remote
	// version onto the local project.
	ResetToRemote bool

	// Automatic suppresses all user interaction: failures are logged
	// instead of alerted, and the remote version is preferred wherever a
	// prompt would otherwise ask.
	Automatic bool

	// CommitMessage describes the local changes when they are pushed.
	// Interactive runs prompt for one when it's empty; automatic runs
	// must supply it up front.
	CommitMessage string
}

// Status receives one-line progress text while a synchronization runs.
// The empty string clears the display.
type Status func(message string)

const (
	choiceKeepLocal  = "Keep local version"
	choiceTakeRemote = "Take remote version"
)

// osJunkPatterns keeps editor and OS droppings out of the repository.
const osJunkPatterns = `.DS_Store
Thumbs.db
Desktop.ini
*.swp
`

// Swappable for tests.
var mirror = Mirror

// ErrNoRepository reports a project whose file names no repository.
// Without one there is no durable version to reconcile against, so
// callers usually treat this as "nothing to do" rather than a failure.
var ErrNoRepository = errors.NewFriendlyError(
	"The project has no repository configured. Set \"repository\" in %s to enable synchronization.",
	project.RecordFileName)

// IsNoRepository reports whether err is the missing-repository
// precondition, however deeply it has been wrapped.
func IsNoRepository(err error) bool {
	cause, ok := errors.RootCause(err).(errors.FriendlyError)
	return ok && cause == ErrNoRepository
}

// Workflow reconciles the project in its store with the remote
// repository named by the project file. A workflow runs one
// synchronization at a time; overlapping calls fail fast with
// errors.ErrSyncInProgress.
type Workflow struct {
	store    *project.Store
	locker   project.Locker
	prompter prompt.Prompter
	cloner   Cloner
	author   string
	token    string

	saveLocal func() error
	status    Status

	mu      sync.Mutex
	syncing bool
}

// New creates a workflow for the project in store. The locker guards the
// editor's view of the project while the remote version is being
// installed. Author names generated commits; token authenticates pushes
// and clones when the repository URL carries no credential of its own.
func New(store *project.Store, locker project.Locker, prompter prompt.Prompter, author, token string) *Workflow {
	return &Workflow{
		store:    store,
		locker:   locker,
		prompter: prompter,
		cloner:   NewCloner(),
		author:   author,
		token:    token,
	}
}

// SetSaveHook installs the editor's save callback. It runs before every
// synchronization so the reconcile never reads stale on-disk state.
func (w *Workflow) SetSaveHook(save func() error) {
	w.saveLocal = save
}

// SetStatusHook installs the editor's progress display.
func (w *Workflow) SetStatusHook(status Status) {
	w.status = status
}

// Sync runs one synchronization. Exactly one of the two directions is
// applied unless the run aborts, in which case local metadata is left
// untouched. Aborts surface to the user through the prompter except on
// automatic runs, which only log.
func (w *Workflow) Sync(ctx context.Context, opts Options) (Direction, error) {
	if !w.begin() {
		return 0, errors.ErrSyncInProgress
	}
	defer w.end()
	defer w.report("")

	direction, err := w.sync(ctx, opts)
	if err != nil {
		if opts.Automatic {
			log.WithError(err).Warn("Automatic sync aborted")
		} else {
			w.prompter.Alert(errors.GetPrintableMessage(err))
		}
		return 0, err
	}

	log.WithField("direction", direction).Info("Sync finished")
	return direction, nil
}

func (w *Workflow) sync(ctx context.Context, opts Options) (Direction, error) {
	if w.saveLocal != nil {
		if err := w.saveLocal(); err != nil {
			return 0, errors.WithContext(err, "save project")
		}
	}

	payload, err := w.store.Load()
	if err != nil {
		if _, ok := errors.RootCause(err).(errors.FileNotFound); ok {
			return 0, errors.NewFriendlyError(
				"The project has never been saved. Save it before synchronizing.")
		}
		return 0, err
	}

	cleanURL, creds, err := w.credentials(payload.Project.Repository)
	if err != nil {
		return 0, err
	}

	// Every run clones into a fresh scratch directory so state from an
	// earlier sync can never bleed into this one.
	scratch := filepath.Join(afero.GetTempDir(fs, ""), "livesync-"+uuid.New().String())
	defer func() {
		if err := fs.RemoveAll(scratch); err != nil {
			log.WithError(err).WithField("dir", scratch).Warn("Failed to remove scratch checkout")
		}
	}()

	w.report("Fetching the shared version...")
	repo, cloned, err := w.checkout(ctx, scratch, cleanURL, creds)
	if err != nil {
		return 0, err
	}

	var remote *project.Payload
	var headTime time.Time
	if cloned {
		remote, err = readRemotePayload(scratch)
		if err != nil {
			return 0, err
		}
		headTime, err = repo.HeadTimestamp()
		if err != nil {
			return 0, errors.WithContext(err, "read head timestamp")
		}
	}

	footprint, err := project.Footprint(w.store.Dir())
	if err != nil {
		return 0, errors.WithContext(err, "compute footprint")
	}

	applyRemote, err := w.decide(payload, remote, headTime, footprint, opts)
	if err != nil {
		return 0, err
	}

	if applyRemote {
		if err := w.applyRemoteToLocal(scratch, *remote, headTime, footprint); err != nil {
			return 0, err
		}
		return RemoteToLocal, nil
	}

	if err := w.applyLocalToRemote(ctx, scratch, repo, payload, footprint, creds, opts); err != nil {
		return 0, err
	}
	return LocalToRemote, nil
}

// decide picks the winning side. The remote wins on an explicit reset,
// or whenever this installation has never synchronized the project; a
// genuinely newer remote is a conflict that the user resolves unless the
// run is automatic. In every other case the local version is pushed.
func (w *Workflow) decide(local project.Payload, remote *project.Payload,
	headTime time.Time, footprint string, opts Options) (bool, error) {

	if opts.ResetToRemote {
		if remote == nil {
			return false, errors.NewFriendlyError(
				"The remote repository has no project to reset to.")
		}
		return true, nil
	}

	if remote == nil {
		return false, nil
	}

	stamp := local.Project.LastSync
	if stamp == nil || stamp.Timestamp == 0 || stamp.Footprint != footprint {
		// The project file was never synchronized from this
		// installation. Whatever is local can't be trusted over the
		// shared version, so the remote wins without comparing clocks.
		return true, nil
	}

	if headTime.Unix() <= stamp.Timestamp {
		return false, nil
	}

	if opts.Automatic {
		return true, nil
	}

	choice, err := w.prompter.PromptChoice("Sync conflict",
		fmt.Sprintf("The shared version of %q changed since your last sync. Which version should win?",
			local.Project.Name),
		[]string{choiceKeepLocal, choiceTakeRemote})
	if err != nil {
		return false, errors.WithContext(err, "prompt for winning version")
	}
	return choice == choiceTakeRemote, nil
}

// checkout clones the remote into dir. An empty remote yields a fresh
// local repository wired to it, reported with cloned=false so the caller
// knows there is no remote version to read.
func (w *Workflow) checkout(ctx context.Context, dir, cleanURL string, creds Credentials) (Repository, bool, error) {
	repo, err := w.cloner.Clone(ctx, dir, cleanURL, creds)
	switch errors.RootCause(err) {
	case nil:
		return repo, true, nil
	case ErrEmptyRemote:
		log.WithField("repository", cleanURL).Info("Remote repository is empty, starting it from the local version")
		repo, err := w.cloner.Init(dir, cleanURL)
		if err != nil {
			return nil, false, errors.WithContext(err, "initialize empty remote checkout")
		}
		return repo, false, nil
	default:
		return nil, false, errors.WithContext(err, "clone repository")
	}
}

func (w *Workflow) applyLocalToRemote(ctx context.Context, scratch string, repo Repository,
	payload project.Payload, footprint string, creds Credentials, opts Options) error {

	message, err := w.commitMessage(opts)
	if err != nil {
		return err
	}

	w.report("Pushing your version...")

	localAssets := w.store.AssetsPath(payload.Project)
	if err := mirror(localAssets, filepath.Join(scratch, project.AssetsDirName)); err != nil {
		return errors.WithContext(err, "mirror assets into checkout")
	}

	if err := afero.WriteFile(fs, filepath.Join(scratch, ".gitignore"),
		[]byte(osJunkPatterns), 0644); err != nil {
		return errors.WithContext(err, "write gitignore")
	}

	// The sync stamp is private to the machine that recorded it, so the
	// pushed copy of the project file travels without one. This also
	// lets an unchanged project register as clean instead of producing
	// an empty commit.
	pushed := payload
	pushed.Project.LastSync = nil
	contents, err := project.Serialize(pushed)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(fs, filepath.Join(scratch, project.RecordFileName),
		contents, 0644); err != nil {
		return errors.WithContext(err, "write project file")
	}

	author := w.author
	if author == "" {
		author = "livesync"
	}
	committedAt, err := repo.CommitAll(message, author)
	if err == ErrNothingToCommit {
		log.WithField("project", payload.Project.Name).Info("No local changes to push")
		return nil
	}
	if err != nil {
		return errors.WithContext(err, "commit")
	}
	if err := repo.Push(ctx, creds); err != nil {
		return errors.WithContext(err, "push")
	}

	// The stamp moves only after the push lands, so a failed push leaves
	// the project looking unsynchronized rather than falsely current.
	err = w.store.SetLastSync(project.SyncStamp{
		Timestamp: committedAt.Unix(),
		Footprint: footprint,
	})
	if err != nil {
		return errors.WithContext(err, "record sync")
	}

	log.WithField("project", payload.Project.Name).Info("Pushed local version")
	return nil
}

func (w *Workflow) applyRemoteToLocal(scratch string, remote project.Payload,
	headTime time.Time, footprint string) error {

	w.report("Applying the shared version...")

	// The editor must not touch assets while they are being replaced
	// underneath it. The lock is released on every exit path.
	w.locker.Lock()
	defer w.locker.Unlock()

	if err := w.store.Apply(remote); err != nil {
		return errors.WithContext(err, "install remote project")
	}

	// Reload rather than reuse: Apply preserved the local assetsPath,
	// and the mirror target must honor it.
	applied, err := w.store.Load()
	if err != nil {
		return errors.WithContext(err, "reload project")
	}

	localAssets := w.store.AssetsPath(applied.Project)
	if err := mirror(filepath.Join(scratch, project.AssetsDirName), localAssets); err != nil {
		return errors.WithContext(err, "mirror assets from checkout")
	}

	err = w.store.SetLastSync(project.SyncStamp{
		Timestamp: headTime.Unix(),
		Footprint: footprint,
	})
	if err != nil {
		return errors.WithContext(err, "record sync")
	}

	log.WithField("project", applied.Project.Name).Info("Applied remote version")
	return nil
}

func (w *Workflow) commitMessage(opts Options) (string, error) {
	if opts.CommitMessage != "" {
		return opts.CommitMessage, nil
	}
	if opts.Automatic {
		return "", errors.New("automatic push requires a commit message")
	}

	message, err := w.prompter.PromptText("Commit message",
		"Describe what changed since the last sync.")
	if err != nil {
		return "", errors.WithContext(err, "prompt for commit message")
	}
	if message == "" {
		return "", errors.NewFriendlyError("A commit message is required to push changes.")
	}
	return message, nil
}

// credentials validates the repository URL and splits out the
// credential: one embedded in the URL wins, otherwise the configured
// token is used. The returned URL is stripped of userinfo so it is safe
// to hand to logs and error messages.
func (w *Workflow) credentials(rawURL string) (string, Credentials, error) {
	if rawURL == "" {
		return "", Credentials{}, ErrNoRepository
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		// The parse error would echo the URL, credentials included, so
		// it stays out of the message.
		return "", Credentials{}, errors.NewFriendlyError(
			"The repository URL could not be parsed. Check the \"repository\" field of %s.",
			project.RecordFileName)
	}
	if parsed.Scheme != "https" {
		return "", Credentials{}, errors.NewFriendlyError(
			"The repository URL %q must use the https scheme.", sanitizeURL(rawURL))
	}

	creds := Credentials{Username: "token", Token: w.token}
	if parsed.User != nil {
		creds.Username = parsed.User.Username()
		if password, ok := parsed.User.Password(); ok {
			creds.Token = password
		}
		parsed.User = nil
	}

	if creds.Token == "" {
		return "", Credentials{}, errors.NewFriendlyError(
			"No credential is configured for %q. Set \"token\" in %s.",
			parsed.String(), config.UserConfigPath)
	}
	return parsed.String(), creds, nil
}

func (w *Workflow) begin() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.syncing {
		return false
	}
	w.syncing = true
	return true
}

func (w *Workflow) end() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.syncing = false
}

func (w *Workflow) report(message string) {
	if w.status != nil {
		w.status(message)
	}
}

func readRemotePayload(scratch string) (*project.Payload, error) {
	contents, err := afero.ReadFile(fs, filepath.Join(scratch, project.RecordFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithContext(err, "read remote project file")
	}

	payload, err := project.Parse(contents)
	if err != nil {
		return nil, errors.WithContext(err, "parse remote project file")
	}
	return &payload, nil
}

// sanitizeURL strips embedded credentials so the URL is safe for logs
// and error text.
func sanitizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<unparseable repository url>"
	}
	parsed.User = nil
	return parsed.String()
}

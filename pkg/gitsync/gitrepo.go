package gitsync

import (
	"context"
	"time"

	"gopkg.in/src-d/go-git.v4"
	gitconfig "gopkg.in/src-d/go-git.v4/config"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"
	githttp "gopkg.in/src-d/go-git.v4/plumbing/transport/http"

	"github.com/atelierhq/livesync/pkg/errors"
)

// ErrEmptyRemote reports a remote repository that has no commits yet.
var ErrEmptyRemote = errors.New("remote repository is empty")

// ErrNothingToCommit reports a worktree with no changes to stage. The
// workflow treats it as a successful no-op rather than a failure.
var ErrNothingToCommit = errors.New("nothing to commit")

// commitEmail is the synthetic address stamped on generated commits. The
// author name comes from the user config; no mail is ever sent.
const commitEmail = "sync@livesync.local"

// Credentials authenticate against the git remote. They travel outside
// the repository URL so they can never end up in logs or error text.
type Credentials struct {
	Username string
	Token    string
}

func (c Credentials) auth() *githttp.BasicAuth {
	return &githttp.BasicAuth{Username: c.Username, Password: c.Token}
}

// Cloner produces local checkouts of remote repositories.
type Cloner interface {
	// Clone makes a shallow, single-branch checkout of the repository in
	// dir. It returns ErrEmptyRemote for a repository with no commits.
	Clone(ctx context.Context, dir, url string, creds Credentials) (Repository, error)

	// Init creates a fresh repository in dir wired to the remote. It
	// backs the first push into an empty remote.
	Init(dir, url string) (Repository, error)
}

// Repository is the slice of a git checkout that the sync workflow
// drives.
type Repository interface {
	// HeadTimestamp returns the committer time of the checked out head.
	HeadTimestamp() (time.Time, error)

	// CommitAll stages every change in the worktree, including
	// deletions, and commits it. It returns the committer time of the
	// new commit.
	CommitAll(message, author string) (time.Time, error)

	// Push publishes local commits to the remote.
	Push(ctx context.Context, creds Credentials) error
}

// NewCloner returns the Cloner backed by go-git.
func NewCloner() Cloner {
	return goGitCloner{}
}

type goGitCloner struct{}

func (goGitCloner) Clone(ctx context.Context, dir, url string, creds Credentials) (Repository, error) {
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           url,
		Auth:          creds.auth(),
		Depth:         1,
		ReferenceName: plumbing.Master,
		SingleBranch:  true,
	})
	if err == transport.ErrEmptyRemoteRepository {
		return nil, ErrEmptyRemote
	}
	if err != nil {
		return nil, err
	}
	return goGitRepo{repo}, nil
}

func (goGitCloner) Init(dir, url string) (Repository, error) {
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		return nil, errors.WithContext(err, "init repository")
	}

	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: git.DefaultRemoteName,
		URLs: []string{url},
	})
	if err != nil {
		return nil, errors.WithContext(err, "add remote")
	}
	return goGitRepo{repo}, nil
}

type goGitRepo struct {
	repo *git.Repository
}

func (r goGitRepo) HeadTimestamp() (time.Time, error) {
	head, err := r.repo.Head()
	if err != nil {
		return time.Time{}, errors.WithContext(err, "resolve head")
	}

	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return time.Time{}, errors.WithContext(err, "read head commit")
	}
	return commit.Committer.When, nil
}

func (r goGitRepo) CommitAll(message, author string) (time.Time, error) {
	worktree, err := r.repo.Worktree()
	if err != nil {
		return time.Time{}, errors.WithContext(err, "open worktree")
	}

	if _, err := worktree.Add("."); err != nil {
		return time.Time{}, errors.WithContext(err, "stage changes")
	}

	status, err := worktree.Status()
	if err != nil {
		return time.Time{}, errors.WithContext(err, "read worktree status")
	}
	if status.IsClean() {
		return time.Time{}, ErrNothingToCommit
	}

	when := time.Now()
	signature := &object.Signature{Name: author, Email: commitEmail, When: when}
	_, err = worktree.Commit(message, &git.CommitOptions{
		All:       true,
		Author:    signature,
		Committer: signature,
	})
	if err != nil {
		return time.Time{}, errors.WithContext(err, "commit")
	}
	return when, nil
}

func (r goGitRepo) Push(ctx context.Context, creds Credentials) error {
	return r.repo.PushContext(ctx, &git.PushOptions{Auth: creds.auth()})
}

// Package gitsync keeps a local branch workspace in sync with its remote
// using go-git. A workspace is a single-branch clone whose worktree is hard
// reset to the pushed commit.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// ErrCommitNotFound is returned when the requested commit is not reachable
// after a clone or fetch.
var ErrCommitNotFound = errors.New("commit not found")

// Credentials are HTTP basic credentials for the remote. Token based
// providers take the token as the password.
type Credentials struct {
	Username string
	Password string
}

// Request describes one sync of a branch workspace.
type Request struct {
	Dir    string
	URL    string
	Branch string
	// Commit is the commit the worktree should end on. Empty means the
	// remote branch head.
	Commit string
	Depth  int
	Auth   *Credentials
}

// Syncer runs clone and fetch operations with go-git.
type Syncer struct {
	progress io.Writer
}

// New returns a Syncer. Progress output from the remote is written to
// progress when it is not nil.
func New(progress io.Writer) *Syncer {
	return &Syncer{progress: progress}
}

// HasCommit reports whether dir holds a repository containing commit.
// A missing repository is not an error.
func (s *Syncer) HasCommit(ctx context.Context, dir, commit string) (bool, error) {
	if commit == "" {
		return false, nil
	}
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open repository at %s: %w", dir, err)
	}
	if _, err := repo.CommitObject(plumbing.NewHash(commit)); err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read commit %s: %w", commit, err)
	}
	return true, nil
}

// Clone replaces dir with a fresh single-branch clone and checks out the
// requested commit.
func (s *Syncer) Clone(ctx context.Context, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	if err := os.RemoveAll(req.Dir); err != nil {
		return fmt.Errorf("failed to clear workspace %s: %w", req.Dir, err)
	}
	if err := os.MkdirAll(filepath.Dir(req.Dir), 0o755); err != nil {
		return fmt.Errorf("failed to create workspace parent: %w", err)
	}

	auth, err := authMethod(req.URL, req.Auth)
	if err != nil {
		return err
	}
	repo, err := git.PlainCloneContext(ctx, req.Dir, false, &git.CloneOptions{
		URL:           req.URL,
		Auth:          auth,
		ReferenceName: plumbing.NewBranchReferenceName(req.Branch),
		SingleBranch:  true,
		Depth:         req.Depth,
		Progress:      s.progress,
	})
	if err != nil {
		return fmt.Errorf("failed to clone %s@%s: %w", req.URL, req.Branch, err)
	}
	return checkout(repo, req.Commit)
}

// Fetch updates an existing workspace from the remote branch and checks out
// the requested commit.
func (s *Syncer) Fetch(ctx context.Context, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	repo, err := git.PlainOpen(req.Dir)
	if err != nil {
		return fmt.Errorf("failed to open repository at %s: %w", req.Dir, err)
	}

	auth, err := authMethod(req.URL, req.Auth)
	if err != nil {
		return err
	}
	refSpec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", req.Branch, req.Branch))
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RemoteURL:  req.URL,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       auth,
		Depth:      req.Depth,
		Progress:   s.progress,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch %s@%s: %w", req.URL, req.Branch, err)
	}

	commit := req.Commit
	if commit == "" {
		ref, err := repo.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, req.Branch), true)
		if err != nil {
			return fmt.Errorf("failed to resolve origin/%s: %w", req.Branch, err)
		}
		commit = ref.Hash().String()
	}
	return checkout(repo, commit)
}

// Head returns the commit checked out in dir.
func (s *Syncer) Head(dir string) (string, error) {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repository at %s: %w", dir, err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to get repository head: %w", err)
	}
	return head.Hash().String(), nil
}

func checkout(repo *git.Repository, commit string) error {
	if commit == "" {
		return nil
	}
	hash := plumbing.NewHash(commit)
	if _, err := repo.CommitObject(hash); err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return fmt.Errorf("%w: %s", ErrCommitNotFound, commit)
		}
		return fmt.Errorf("failed to read commit %s: %w", commit, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get working tree: %w", err)
	}
	if err := worktree.Reset(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return fmt.Errorf("failed to reset to %s: %w", commit, err)
	}
	return nil
}

// authMethod returns basic auth for http(s) remotes. Other transports are
// used without credentials.
func authMethod(url string, creds *Credentials) (transport.AuthMethod, error) {
	if creds == nil || creds.Password == "" {
		return nil, nil
	}
	if strings.HasPrefix(url, "git@") || strings.Contains(url, "ssh://") {
		return nil, fmt.Errorf("credentials are only supported for https remotes")
	}
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return nil, nil
	}
	username := creds.Username
	if username == "" {
		username = "x-access-token"
	}
	return &http.BasicAuth{Username: username, Password: creds.Password}, nil
}

func (r Request) validate() error {
	if r.Dir == "" {
		return errors.New("workspace dir is required")
	}
	if r.URL == "" {
		return errors.New("remote url is required")
	}
	if r.Branch == "" {
		return errors.New("branch is required")
	}
	return nil
}

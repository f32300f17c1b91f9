package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider identifies a git hosting provider.
type Provider string

const (
	ProviderGitHub    Provider = "github"
	ProviderGitLab    Provider = "gitlab"
	ProviderBitbucket Provider = "bitbucket"
)

// ParseProvider normalizes a provider name.
func ParseProvider(value string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(value))); p {
	case ProviderGitHub, ProviderGitLab, ProviderBitbucket:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unsupported provider %q", ErrInvalidArgument, value)
	}
}

// Status is the processing state of a pull event.
type Status string

const (
	StatusCreated Status = "Created"
	StatusReady   Status = "Ready"
	StatusFailed  Status = "Failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// ParseStatus accepts the canonical names case-insensitively.
func ParseStatus(value string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "created":
		return StatusCreated, nil
	case "ready":
		return StatusReady, nil
	case "failed":
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, value)
	}
}

// Coordinate identifies a tracked branch.
type Coordinate struct {
	Provider        Provider
	RepositoryOwner string
	RepositoryName  string
	Branch          string
}

// Validate checks that every field of the coordinate is set.
func (c Coordinate) Validate() error {
	if _, err := ParseProvider(string(c.Provider)); err != nil {
		return err
	}
	if c.RepositoryOwner == "" || c.RepositoryName == "" || c.Branch == "" {
		return fmt.Errorf("%w: repository owner, name and branch are required", ErrInvalidArgument)
	}
	return nil
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%s:%s/%s@%s", c.Provider, c.RepositoryOwner, c.RepositoryName, c.Branch)
}

// PullEvent is one observed push to a branch.
type PullEvent struct {
	ID              uint64    `json:"id"`
	Provider        Provider  `json:"provider"`
	RepositoryOwner string    `json:"repository_owner"`
	RepositoryName  string    `json:"repository_name"`
	Branch          string    `json:"branch"`
	Commit          string    `json:"commit"`
	Status          Status    `json:"status"`
	PushedAt        time.Time `json:"pushed_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Coordinate returns the branch the event was pushed to.
func (e PullEvent) Coordinate() Coordinate {
	return Coordinate{
		Provider:        e.Provider,
		RepositoryOwner: e.RepositoryOwner,
		RepositoryName:  e.RepositoryName,
		Branch:          e.Branch,
	}
}

// NewPullEvent is the input for recording a push.
type NewPullEvent struct {
	Coordinate
	Commit   string
	PushedAt time.Time
}

// Validate checks the input of Record.
func (n NewPullEvent) Validate() error {
	if err := n.Coordinate.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(n.Commit) == "" {
		return fmt.Errorf("%w: commit is required", ErrInvalidArgument)
	}
	if n.PushedAt.IsZero() {
		return fmt.Errorf("%w: pushed_at is required", ErrInvalidArgument)
	}
	return nil
}

// PullEventFilter selects pull event rows. Zero values are ignored.
type PullEventFilter struct {
	Provider        Provider
	RepositoryOwner string
	RepositoryName  string
	Branch          string
	Status          Status
	Limit           int
	Offset          int
}

// PullEventStore is the append-only ledger of push events.
//
// FindPriorReadyCommit returns nil and no error when no Ready event at the
// coordinate precedes before; callers treat that as "no sync base".
type PullEventStore interface {
	Record(ctx context.Context, event NewPullEvent) (*PullEvent, error)
	SetStatus(ctx context.Context, id uint64, status Status) (*PullEvent, error)
	FindPriorReadyCommit(ctx context.Context, coord Coordinate, skip int, before time.Time) (*PullEvent, error)
	Get(ctx context.Context, id uint64) (*PullEvent, error)
	List(ctx context.Context, filter PullEventFilter) ([]PullEvent, error)
	Close() error
}

var (
	// ErrNotFound is returned when a referenced event id does not exist.
	ErrNotFound = errors.New("pull event not found")
	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidTransition is returned when a status change would leave a terminal state.
	ErrInvalidTransition = fmt.Errorf("%w: status transition not allowed", ErrInvalidArgument)
	// ErrStorage matches every *StorageError.
	ErrStorage = errors.New("storage failure")
)

// StorageError wraps a failure of the underlying store.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorage) match any StorageError.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Package pull runs the incremental pull pipeline for a push: record it in
// the ledger, pick a sync base from earlier Ready pushes, fetch or clone the
// branch workspace, and store the outcome.
package pull

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"gitpull/internal"
	"gitpull/pkg/auth"
	"gitpull/pkg/gitsync"
	"gitpull/pkg/storage"
)

// Syncer performs the git side of a pull.
type Syncer interface {
	HasCommit(ctx context.Context, dir, commit string) (bool, error)
	Clone(ctx context.Context, req gitsync.Request) error
	Fetch(ctx context.Context, req gitsync.Request) error
}

// Config holds the pipeline settings.
type Config struct {
	WorkspaceDir      string
	MaxBaseCandidates int
	CloneDepth        int
}

// Result describes a finished pull.
type Result struct {
	Event   *storage.PullEvent
	Base    *storage.PullEvent
	Outcome string
	Dir     string
}

// Service runs pulls against a ledger and a workspace directory.
type Service struct {
	ledger storage.PullEventStore
	syncer Syncer
	creds  auth.Resolver
	cfg    Config
	logger *log.Logger
	locks  *keyedMutex
	now    func() time.Time
}

// NewService creates a Service. creds may be nil, in which case remotes are
// read anonymously.
func NewService(ledger storage.PullEventStore, syncer Syncer, creds auth.Resolver, cfg Config, logger *log.Logger) (*Service, error) {
	if ledger == nil {
		return nil, errors.New("pull event store is required")
	}
	if syncer == nil {
		return nil, errors.New("syncer is required")
	}
	if strings.TrimSpace(cfg.WorkspaceDir) == "" {
		return nil, errors.New("workspace dir is required")
	}
	if cfg.MaxBaseCandidates <= 0 {
		cfg.MaxBaseCandidates = 1
	}
	if logger == nil {
		logger = internal.NewLogger("pull")
	}
	return &Service{
		ledger: ledger,
		syncer: syncer,
		creds:  creds,
		cfg:    cfg,
		logger: logger,
		locks:  newKeyedMutex(),
		now:    time.Now,
	}, nil
}

// Handle records the push and syncs its workspace. The ledger event ends
// Ready when the sync succeeds and Failed otherwise; the sync error is
// returned either way.
func (s *Service) Handle(ctx context.Context, push internal.Event) (*Result, error) {
	logger := internal.WithRequestID(s.logger, push.RequestID)
	provider, err := storage.ParseProvider(push.Provider)
	if err != nil {
		return nil, err
	}
	pushedAt := push.PushedAt
	if pushedAt.IsZero() {
		pushedAt = s.now().UTC()
	}
	coord := storage.Coordinate{
		Provider:        provider,
		RepositoryOwner: push.Owner,
		RepositoryName:  push.Repository,
		Branch:          push.Branch,
	}

	event, err := s.ledger.Record(ctx, storage.NewPullEvent{
		Coordinate: coord,
		Commit:     push.Commit,
		PushedAt:   pushedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("record push: %w", err)
	}
	logger.Printf("recorded pull event id=%d %s commit=%s", event.ID, coord, event.Commit)

	unlock := s.locks.Lock(coord.String())
	defer unlock()

	result := &Result{Event: event, Dir: s.WorkspacePath(coord)}
	syncErr := s.sync(ctx, logger, push, event, result)

	status := storage.StatusReady
	if syncErr != nil {
		status = storage.StatusFailed
		result.Outcome = internal.PullFailed
	}
	internal.IncPull(result.Outcome)

	// The terminal status is stored even when ctx was canceled mid-sync.
	updated, err := s.ledger.SetStatus(context.WithoutCancel(ctx), event.ID, status)
	if err != nil {
		logger.Printf("set status id=%d %s failed: %v", event.ID, status, err)
		return result, errors.Join(syncErr, fmt.Errorf("set status: %w", err))
	}
	result.Event = updated
	if syncErr != nil {
		logger.Printf("pull id=%d failed: %v", event.ID, syncErr)
		return result, syncErr
	}
	logger.Printf("pull id=%d %s into %s", event.ID, result.Outcome, result.Dir)
	return result, nil
}

func (s *Service) sync(ctx context.Context, logger *log.Logger, push internal.Event, event *storage.PullEvent, result *Result) error {
	if push.CloneURL == "" {
		return errors.New("push has no clone url")
	}
	req := gitsync.Request{
		Dir:    result.Dir,
		URL:    push.CloneURL,
		Branch: event.Branch,
		Commit: event.Commit,
		Depth:  s.cfg.CloneDepth,
	}
	if s.creds != nil {
		authCtx, err := s.creds.Resolve(ctx, auth.EventContext{
			Provider:       push.Provider,
			InstallationID: push.InstallationID,
			Payload:        push.RawPayload,
		})
		if err != nil {
			return fmt.Errorf("resolve credentials: %w", err)
		}
		if !authCtx.Anonymous() {
			req.Auth = &gitsync.Credentials{Username: authCtx.Username, Password: authCtx.Token}
		}
	}

	base, err := s.findBase(ctx, event.Coordinate(), event.PushedAt, result.Dir)
	if err != nil {
		return err
	}
	if base != nil {
		err := s.syncer.Fetch(ctx, req)
		if err == nil {
			result.Base = base
			result.Outcome = internal.PullIncremental
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		logger.Printf("fetch from base %s failed, cloning: %v", base.Commit, err)
	}

	if err := s.syncer.Clone(ctx, req); err != nil {
		return err
	}
	result.Outcome = internal.PullFull
	return nil
}

// findBase walks the Ready history of the coordinate, newest first, and
// returns the first event whose commit is present in the workspace. Nil
// means a full clone is needed.
func (s *Service) findBase(ctx context.Context, coord storage.Coordinate, before time.Time, dir string) (*storage.PullEvent, error) {
	for skip := 0; skip < s.cfg.MaxBaseCandidates; skip++ {
		candidate, err := s.ledger.FindPriorReadyCommit(ctx, coord, skip, before)
		if err != nil {
			return nil, fmt.Errorf("find prior ready commit: %w", err)
		}
		if candidate == nil {
			return nil, nil
		}
		ok, err := s.syncer.HasCommit(ctx, dir, candidate.Commit)
		if err != nil {
			return nil, err
		}
		if ok {
			return candidate, nil
		}
	}
	return nil, nil
}

// WorkspacePath returns <workspace>/<provider>/<owner>/<repo>/<branch>.
// Nested owners (GitLab groups) and branch names keep their slashes.
func (s *Service) WorkspacePath(coord storage.Coordinate) string {
	return filepath.Join(
		s.cfg.WorkspaceDir,
		string(coord.Provider),
		filepath.FromSlash(cleanSegment(coord.RepositoryOwner)),
		cleanSegment(coord.RepositoryName),
		filepath.FromSlash(cleanSegment(coord.Branch)),
	)
}

// cleanSegment drops empty and dot path elements so a ref cannot escape the
// workspace directory.
func cleanSegment(value string) string {
	parts := strings.Split(value, "/")
	out := parts[:0]
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" || part == "." || part == ".." {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return "_"
	}
	return strings.Join(out, "/")
}

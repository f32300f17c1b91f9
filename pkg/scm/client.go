package scm

import (
	"context"
	"time"
)

// GitRepo describes a repository on a git hosting provider.
type GitRepo struct {
	Name      string
	FullName  string
	URL       string
	Private   bool
	Admin     bool
	UpdatedAt time.Time
	CreatedAt time.Time
}

// GitOrganization is a provider account connected to a workspace.
type GitOrganization struct {
	ID             string
	Name           string
	Provider       string
	InstallationID string
	Type           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateRepoArgs is the input for GitClient.CreateRepo.
type CreateRepoArgs struct {
	GitOrganizationID string
	InstallationID    string
	RepositoryName    string
	Public            bool
}

// CreateGitOrganizationArgs is the input for GitClient.CreateGitOrganization.
type CreateGitOrganizationArgs struct {
	WorkspaceID    string
	Provider       string
	InstallationID string
}

// GitClient is the git hosting capability used by the rest of the platform.
// It shares only provider, owner and repository names with the pull event
// ledger; implementations live with the provider integrations.
type GitClient interface {
	CreateRepo(ctx context.Context, args CreateRepoArgs) (*GitRepo, error)
	GetOrganizationRepos(ctx context.Context, gitOrganizationID string) ([]GitRepo, error)
	IsRepoExist(ctx context.Context, token, name string) (bool, error)
	CreateGitOrganization(ctx context.Context, args CreateGitOrganizationArgs) (*GitOrganization, error)
	GetGitInstallationURL(ctx context.Context, workspaceID string) (string, error)
	DeleteGitOrganization(ctx context.Context, workspaceID string) (bool, error)
}

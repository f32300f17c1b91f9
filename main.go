package main

import (
	"fmt"
	"os"

	"gitpull/internal"
	"gitpull/pkg/auth"
	"gitpull/pkg/gitsync"
	"gitpull/pkg/pull"
	"gitpull/pkg/storage/pullevents"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := App().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:  "gitpull",
		Usage: "Keep branch workspaces in sync with git pushes",
		Commands: []*cli.Command{
			ServeCmd(),
			WorkerCmd(),
			MigrateCmd(),
			ListCmd(),
			PriorCmd(),
			StatusCmd(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "config.yaml",
				EnvVars: []string{"GITPULL_CONFIG"},
			},
		},
	}
}

func loadConfig(c *cli.Context) (internal.Config, error) {
	cfg, err := internal.LoadConfig(c.String("config"))
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg internal.Config) (*pullevents.Store, error) {
	store, err := pullevents.Open(pullevents.Config{
		Driver:      cfg.Storage.Driver,
		DSN:         cfg.Storage.DSN,
		Dialect:     cfg.Storage.Dialect,
		Table:       cfg.Storage.Table,
		AutoMigrate: cfg.Storage.AutoMigrate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pull event store: %w", err)
	}
	return store, nil
}

func authConfig(cfg internal.Config) auth.Config {
	convert := func(p internal.ProviderConfig) auth.ProviderConfig {
		return auth.ProviderConfig{
			AppID:          p.AppID,
			PrivateKeyPath: p.PrivateKeyPath,
			Token:          p.Token,
			Username:       p.Username,
			BaseURL:        p.BaseURL,
		}
	}
	return auth.Config{
		GitHub:    convert(cfg.Providers.GitHub),
		GitLab:    convert(cfg.Providers.GitLab),
		Bitbucket: convert(cfg.Providers.Bitbucket),
	}
}

func newPullService(cfg internal.Config, store *pullevents.Store) (*pull.Service, error) {
	return pull.NewService(
		store,
		gitsync.New(nil),
		auth.NewResolver(authConfig(cfg)),
		pull.Config{
			WorkspaceDir:      cfg.Pull.WorkspaceDir,
			MaxBaseCandidates: cfg.Pull.MaxBaseCandidates,
			CloneDepth:        cfg.Pull.CloneDepth,
		},
		internal.NewLogger("pull"),
	)
}

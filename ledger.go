package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"gitpull/pkg/storage"
	"gitpull/pkg/worker"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

// MigrateCmd returns the migrate command.
func MigrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the pull event table",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "river",
				Usage: "Also migrate the River job tables at watermill.riverqueue.dsn",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, color.GreenString("migrated %s", cfg.Storage.Table))
			if c.Bool("river") {
				if err := worker.MigrateRiver(c.Context, cfg.Watermill.RiverQueue.DSN); err != nil {
					return fmt.Errorf("river migration: %w", err)
				}
				fmt.Fprintln(c.App.Writer, color.GreenString("migrated river tables"))
			}
			return nil
		},
	}
}

func coordinateFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "provider", Aliases: []string{"p"}, Usage: "github, gitlab or bitbucket"},
		&cli.StringFlag{Name: "owner", Aliases: []string{"o"}, Usage: "Repository owner"},
		&cli.StringFlag{Name: "repo", Aliases: []string{"r"}, Usage: "Repository name"},
		&cli.StringFlag{Name: "branch", Aliases: []string{"b"}, Usage: "Branch name"},
	}
}

// ListCmd returns the list command.
func ListCmd() *cli.Command {
	flags := append(coordinateFlags(),
		&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Created, Ready or Failed"},
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum number of events", Value: 20},
		&cli.IntFlag{Name: "offset", Usage: "Number of events to skip"},
	)
	return &cli.Command{
		Name:  "list",
		Usage: "List recorded pull events, newest first",
		Flags: flags,
		Action: func(c *cli.Context) error {
			filter := storage.PullEventFilter{
				RepositoryOwner: c.String("owner"),
				RepositoryName:  c.String("repo"),
				Branch:          c.String("branch"),
				Limit:           c.Int("limit"),
				Offset:          c.Int("offset"),
			}
			if value := c.String("provider"); value != "" {
				provider, err := storage.ParseProvider(value)
				if err != nil {
					return err
				}
				filter.Provider = provider
			}
			if value := c.String("status"); value != "" {
				status, err := storage.ParseStatus(value)
				if err != nil {
					return err
				}
				filter.Status = status
			}
			return withStore(c, func(store storage.PullEventStore) error {
				events, err := store.List(c.Context, filter)
				if err != nil {
					return err
				}
				if len(events) == 0 {
					fmt.Fprintln(c.App.Writer, color.YellowString("no pull events"))
					return nil
				}
				for _, event := range events {
					printEvent(c.App.Writer, event)
				}
				return nil
			})
		},
	}
}

// PriorCmd returns the prior command.
func PriorCmd() *cli.Command {
	flags := append(coordinateFlags(),
		&cli.IntFlag{Name: "skip", Usage: "Number of newer Ready events to pass over"},
		&cli.StringFlag{Name: "before", Usage: "RFC3339 upper bound on pushed_at (default: now)"},
	)
	return &cli.Command{
		Name:  "prior",
		Usage: "Show the Ready commit a sync of the branch would start from",
		Flags: flags,
		Action: func(c *cli.Context) error {
			provider, err := storage.ParseProvider(c.String("provider"))
			if err != nil {
				return err
			}
			coord := storage.Coordinate{
				Provider:        provider,
				RepositoryOwner: c.String("owner"),
				RepositoryName:  c.String("repo"),
				Branch:          c.String("branch"),
			}
			before := time.Now().UTC()
			if value := c.String("before"); value != "" {
				if before, err = time.Parse(time.RFC3339Nano, value); err != nil {
					return fmt.Errorf("invalid before timestamp: %s (expected RFC3339)", value)
				}
			}
			return withStore(c, func(store storage.PullEventStore) error {
				event, err := store.FindPriorReadyCommit(c.Context, coord, c.Int("skip"), before)
				if err != nil {
					return err
				}
				if event == nil {
					fmt.Fprintln(c.App.Writer, color.YellowString("no Ready commit for %s before %s, next sync clones", coord, before.Format(time.RFC3339)))
					return nil
				}
				printEvent(c.App.Writer, *event)
				return nil
			})
		},
	}
}

// StatusCmd returns the status command.
func StatusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Move a pull event to Ready or Failed",
		ArgsUsage: "<id> <status>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return errors.New("usage: gitpull status <id> <Ready|Failed>")
			}
			id, err := strconv.ParseUint(c.Args().Get(0), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id: %s", c.Args().Get(0))
			}
			status, err := storage.ParseStatus(c.Args().Get(1))
			if err != nil {
				return err
			}
			return withStore(c, func(store storage.PullEventStore) error {
				event, err := store.SetStatus(c.Context, id, status)
				if err != nil {
					return err
				}
				printEvent(c.App.Writer, *event)
				return nil
			})
		},
	}
}

func withStore(c *cli.Context, fn func(storage.PullEventStore) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func printEvent(w io.Writer, event storage.PullEvent) {
	status := string(event.Status)
	switch event.Status {
	case storage.StatusReady:
		status = color.GreenString(status)
	case storage.StatusFailed:
		status = color.RedString(status)
	default:
		status = color.YellowString(status)
	}
	fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
		event.ID,
		status,
		color.CyanString(event.Coordinate().String()),
		event.Commit,
		event.PushedAt.UTC().Format(time.RFC3339),
	)
}

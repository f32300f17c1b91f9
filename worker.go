package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gitpull/internal"
	"gitpull/pkg/pull"
	"gitpull/pkg/worker"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/urfave/cli/v2"
)

// WorkerCmd returns the worker command.
func WorkerCmd() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Usage:  "Consume published pushes and sync branch workspaces",
		Action: workerAction,
	}
}

func workerAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	service, err := newPullService(cfg, store)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.Pull.Runner {
	case "river":
		runner, err := worker.NewRiverRunner(ctx, cfg.Watermill.RiverQueue, newWorker(cfg, service, nil))
		if err != nil {
			return err
		}
		defer runner.Close()
		return runner.Run(ctx)
	case "watermill":
		subCfg, err := worker.LoadSubscriberConfig(c.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load subscriber config: %w", err)
		}
		sub, err := worker.BuildSubscriber(subCfg)
		if err != nil {
			return err
		}
		w := newWorker(cfg, service, sub)
		defer w.Close()
		return w.Run(ctx)
	default:
		return fmt.Errorf("unsupported pull runner: %s", cfg.Pull.Runner)
	}
}

// newWorker wires the pull service into a worker. sub may be nil when the
// worker only dispatches River jobs.
func newWorker(cfg internal.Config, service *pull.Service, sub message.Subscriber) *worker.Worker {
	logger := internal.NewLogger("worker")
	topics := worker.TopicsFromConfig(cfg)
	opts := []worker.Option{
		worker.WithTopics(topics...),
		worker.WithConcurrency(cfg.Pull.Concurrency),
		worker.WithRetry(worker.AckOnError{}),
		worker.WithLogger(logger),
		worker.WithMiddleware(worker.MiddlewareFromWatermill(middleware.Recoverer)),
		worker.WithListener(worker.Listener{
			OnStart: func(ctx context.Context) { logger.Printf("worker started topics=%v", topics) },
			OnExit:  func(ctx context.Context) { logger.Printf("worker stopped") },
		}),
	}
	if sub != nil {
		opts = append(opts, worker.WithSubscriber(sub))
	}
	w := worker.New(opts...)
	for _, topic := range topics {
		w.HandleTopic(topic, service.HandleEvent)
	}
	w.HandleType("push", service.HandleEvent)
	return w
}

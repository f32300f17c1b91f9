package main

import (
	"context"
	"errors"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gitpull/internal"
	"gitpull/pkg/api"
	"gitpull/pkg/webhook"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/urfave/cli/v2"
)

// ServeCmd returns the serve command.
func ServeCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Receive push webhooks and serve the pull event API",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "worker",
				Usage: "Run the pull worker in-process on a shared gochannel",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	logger := internal.NewLogger("server")
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	rules, err := internal.NewRuleEngine(cfg.RulesConfig(logger))
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// The embedded worker must read from the same in-memory channel the
	// webhooks publish to.
	var shared *gochannel.GoChannel
	if c.Bool("worker") {
		shared = gochannel.NewGoChannel(cfg.Watermill.GoChannel.Watermill(), watermill.NewStdLogger(false, false))
		internal.RegisterPublisherDriver("gochannel", func(internal.WatermillConfig, watermill.LoggerAdapter) (message.Publisher, func() error, error) {
			return shared, nil, nil
		})
	}

	publisher, err := internal.NewPublisher(cfg.Watermill)
	if err != nil {
		return err
	}
	defer publisher.Close()

	mux := http.NewServeMux()
	if err := registerWebhooks(mux, cfg, rules, publisher, logger); err != nil {
		return err
	}
	api.Register(mux, store, internal.NewLogger("api"))
	if cfg.Server.MetricsEnabled {
		mux.Handle(cfg.Server.MetricsPath, expvar.Handler())
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan error, 1)
	if shared != nil {
		service, err := newPullService(cfg, store)
		if err != nil {
			return err
		}
		w := newWorker(cfg, service, shared)
		go func() { workerDone <- w.Run(ctx) }()
	} else {
		close(workerDone)
	}

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           internal.NewRateLimitHandler(mux, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, 10*time.Minute),
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutMS) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderMS) * time.Millisecond,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			waitWorker(logger, workerDone)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	waitWorker(logger, workerDone)
	return nil
}

// waitWorker blocks until the embedded worker has stopped and logs its error.
func waitWorker(logger *log.Logger, done <-chan error) {
	if err := <-done; err != nil {
		logger.Printf("worker: %v", err)
	}
}

func registerWebhooks(mux *http.ServeMux, cfg internal.Config, rules *internal.RuleEngine, publisher internal.Publisher, logger *log.Logger) error {
	providers := cfg.Providers
	maxBody := cfg.Server.MaxBodyBytes
	debug := cfg.Server.DebugEvents

	if providers.GitHub.Enabled {
		handler, err := webhook.NewGitHubHandler(providers.GitHub.Secret, rules, publisher, logger, maxBody, debug)
		if err != nil {
			return err
		}
		mux.Handle(providers.GitHub.Path, handler)
		logger.Printf("github webhook enabled on %s", providers.GitHub.Path)
	}
	if providers.GitLab.Enabled {
		handler, err := webhook.NewGitLabHandler(providers.GitLab.Secret, rules, publisher, logger, maxBody, debug)
		if err != nil {
			return err
		}
		mux.Handle(providers.GitLab.Path, handler)
		logger.Printf("gitlab webhook enabled on %s", providers.GitLab.Path)
	}
	if providers.Bitbucket.Enabled {
		handler, err := webhook.NewBitbucketHandler(providers.Bitbucket.Secret, rules, publisher, logger, maxBody, debug)
		if err != nil {
			return err
		}
		mux.Handle(providers.Bitbucket.Path, handler)
		logger.Printf("bitbucket webhook enabled on %s", providers.Bitbucket.Path)
	}
	return nil
}

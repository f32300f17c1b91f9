package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gitpull/internal"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// PushArgs are the job args inserted by the riverqueue publisher: the
// normalized push itself.
type PushArgs struct {
	internal.Event
}

// Kind implements river.JobArgs.
func (PushArgs) Kind() string { return internal.DefaultPullTopic }

// RiverRunner consumes push jobs from River and dispatches them through a
// Worker's handlers, middleware and listeners.
type RiverRunner struct {
	worker *Worker
	pool   *pgxpool.Pool
	client *river.Client[pgx.Tx]
}

type pushJobWorker struct {
	river.WorkerDefaults[PushArgs]
	worker *Worker
}

// NewRiverRunner connects to the River database and registers the push job
// worker. The worker w supplies handlers, retry policy and logging; its
// subscriber is not used.
func NewRiverRunner(ctx context.Context, cfg internal.RiverQueueConfig, w *Worker) (*RiverRunner, error) {
	if w == nil {
		return nil, errors.New("worker is required")
	}
	if cfg.DSN == "" {
		return nil, errors.New("riverqueue dsn is required")
	}
	if cfg.Kind != "" && cfg.Kind != internal.DefaultPullTopic {
		return nil, fmt.Errorf("river runner consumes kind %q, configured kind is %q", internal.DefaultPullTopic, cfg.Kind)
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open river db: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &pushJobWorker{worker: w})

	queue := cfg.Queue
	if queue == "" {
		queue = river.QueueDefault
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = w.concurrency
	}
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		Queues: map[string]river.QueueConfig{
			queue: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("river client: %w", err)
	}
	return &RiverRunner{worker: w, pool: pool, client: client}, nil
}

// Run starts working jobs and blocks until ctx is canceled.
func (r *RiverRunner) Run(ctx context.Context) error {
	r.worker.listeners.start(ctx)
	defer r.worker.listeners.exit(ctx)

	if err := r.client.Start(ctx); err != nil {
		return fmt.Errorf("river start: %w", err)
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.client.Stop(stopCtx); err != nil {
		r.worker.logger.Printf("river stop: %v", err)
	}
	return nil
}

// Close releases the database pool.
func (r *RiverRunner) Close() error {
	r.pool.Close()
	return nil
}

// Work converts the job into a worker Event. Failures the retry policy
// does not retry are reported to River as completed.
func (p *pushJobWorker) Work(ctx context.Context, job *river.Job[PushArgs]) error {
	evt := jobEvent(job.JobRow.Kind, job.JobRow.Queue, job.EncodedArgs, job.JobRow.Metadata, job.Args.Event)
	decision, err := p.worker.dispatch(ctx, evt.Topic, evt)
	if err != nil && (decision.Retry || decision.Nack) {
		return err
	}
	return nil
}

func jobEvent(kind, queue string, encodedArgs, encodedMetadata []byte, push internal.Event) *Event {
	metadata := map[string]string{"queue": queue}
	var raw map[string]interface{}
	if len(encodedMetadata) > 0 && json.Unmarshal(encodedMetadata, &raw) == nil {
		for key, value := range raw {
			if text, ok := value.(string); ok {
				metadata[key] = text
			}
		}
	}
	if push.RequestID == "" {
		push.RequestID = metadata["request_id"]
	}
	return &Event{
		Provider: push.Provider,
		Type:     push.Name,
		Topic:    kind,
		Metadata: metadata,
		Payload:  json.RawMessage(encodedArgs),
		Push:     &push,
	}
}

// MigrateRiver creates or upgrades the River job tables.
func MigrateRiver(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open river db: %w", err)
	}
	defer pool.Close()

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return err
	}
	_, err = migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	return err
}

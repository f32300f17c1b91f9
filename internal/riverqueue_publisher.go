package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// riverQueuePublisher enqueues push events straight into river's job table
// so the server needs no river client. Job args are the JSON event, which is
// what the river runner decodes.
type riverQueuePublisher struct {
	db     *sql.DB
	insert string
	job    riverJobDefaults
}

type riverJobDefaults struct {
	kind        string
	queue       string
	maxAttempts int
	priority    int
	tags        []string
}

type riverJobMetadata struct {
	Provider  string `json:"provider"`
	Name      string `json:"name"`
	Topic     string `json:"topic"`
	RequestID string `json:"request_id,omitempty"`
}

func newRiverQueuePublisher(cfg RiverQueueConfig) (*riverQueuePublisher, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("riverqueue dsn is required")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = "river_job"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	job := riverJobDefaults{
		kind:        cfg.Kind,
		queue:       cfg.Queue,
		maxAttempts: cfg.MaxAttempts,
		priority:    cfg.Priority,
		tags:        cfg.Tags,
	}
	setDefault(&job.kind, DefaultPullTopic)
	setDefault(&job.queue, "default")
	job.maxAttempts = max(job.maxAttempts, 0)
	setDefault(&job.maxAttempts, 25)
	job.priority = max(job.priority, 1)
	if job.tags == nil {
		job.tags = []string{}
	}

	return &riverQueuePublisher{
		db: db,
		insert: `INSERT INTO ` + pq.QuoteIdentifier(table) +
			` (args, kind, max_attempts, metadata, priority, queue, scheduled_at, tags)
VALUES ($1, $2, $3, $4, $5, $6, now(), $7)`,
		job: job,
	}, nil
}

// Publish inserts one available job. topic is kept in the job metadata.
func (p *riverQueuePublisher) Publish(ctx context.Context, topic string, event Event) error {
	args, err := json.Marshal(event)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(riverJobMetadata{
		Provider:  event.Provider,
		Name:      event.Name,
		Topic:     topic,
		RequestID: event.RequestID,
	})
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, p.insert,
		string(args), p.job.kind, p.job.maxAttempts, string(metadata),
		p.job.priority, p.job.queue, pq.Array(p.job.tags))
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", p.job.kind, err)
	}
	return nil
}

func (p *riverQueuePublisher) PublishForDrivers(ctx context.Context, topic string, event Event, _ []string) error {
	return p.Publish(ctx, topic, event)
}

func (p *riverQueuePublisher) Close() error {
	return p.db.Close()
}

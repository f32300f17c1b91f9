package pullevents

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gitpull/pkg/storage"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Config mirrors the storage configuration for the pull events table.
type Config struct {
	Driver      string
	DSN         string
	Dialect     string
	Table       string
	AutoMigrate bool
}

// Store implements storage.PullEventStore on top of GORM.
type Store struct {
	db    *gorm.DB
	table string
}

var _ storage.PullEventStore = (*Store)(nil)

const defaultListLimit = 100

type row struct {
	ID              uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	Provider        string    `gorm:"column:provider;size:32;not null;index:idx_pull_event_coordinate,priority:1"`
	RepositoryOwner string    `gorm:"column:repository_owner;size:255;not null;index:idx_pull_event_coordinate,priority:2"`
	RepositoryName  string    `gorm:"column:repository_name;size:255;not null;index:idx_pull_event_coordinate,priority:3"`
	Branch          string    `gorm:"column:branch;size:255;not null;index:idx_pull_event_coordinate,priority:4"`
	Status          string    `gorm:"column:status;size:16;not null;index:idx_pull_event_coordinate,priority:5"`
	PushedAt        time.Time `gorm:"column:pushed_at;not null;index:idx_pull_event_coordinate,priority:6"`
	Commit          string    `gorm:"column:commit_sha;size:64;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// Open creates a GORM-backed pull event store.
func Open(cfg Config) (*Store, error) {
	if cfg.Driver == "" && cfg.Dialect == "" {
		return nil, errors.New("storage driver or dialect is required")
	}
	if cfg.DSN == "" {
		return nil, errors.New("storage dsn is required")
	}
	driver := normalizeDriver(cfg.Driver)
	if driver == "" {
		driver = normalizeDriver(cfg.Dialect)
	}
	if driver == "" {
		return nil, errors.New("unsupported storage driver")
	}

	gormDB, err := openGorm(driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return New(gormDB, cfg.Table, cfg.AutoMigrate)
}

// New wraps an existing GORM handle.
func New(db *gorm.DB, table string, autoMigrate bool) (*Store, error) {
	if db == nil {
		return nil, errors.New("gorm db is required")
	}
	if table == "" {
		table = "git_pull_events"
	}
	store := &Store{db: db, table: table}
	if autoMigrate {
		if err := store.Migrate(); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Migrate creates or updates the pull events table.
func (s *Store) Migrate() error {
	if err := s.tableDB().AutoMigrate(&row{}); err != nil {
		return &storage.StorageError{Op: "migrate", Key: s.table, Err: err}
	}
	return nil
}

// Close closes the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record inserts a new event in the Created state.
func (s *Store) Record(ctx context.Context, event storage.NewPullEvent) (*storage.PullEvent, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}
	data := row{
		Provider:        string(event.Provider),
		RepositoryOwner: event.RepositoryOwner,
		RepositoryName:  event.RepositoryName,
		Branch:          event.Branch,
		Commit:          strings.TrimSpace(event.Commit),
		Status:          string(storage.StatusCreated),
		PushedAt:        normalizeTime(event.PushedAt),
	}
	if err := s.tableDB().WithContext(ctx).Create(&data).Error; err != nil {
		return nil, &storage.StorageError{Op: "record", Key: event.Coordinate.String() + "#" + event.Commit, Err: err}
	}
	record := fromRow(data)
	return &record, nil
}

// SetStatus moves a Created event to a terminal status.
// Setting the status an event already has is a no-op.
func (s *Store) SetStatus(ctx context.Context, id uint64, status storage.Status) (*storage.PullEvent, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if !status.Terminal() {
		return nil, fmt.Errorf("%w: target status %q is not terminal", storage.ErrInvalidArgument, status)
	}
	key := "id=" + strconv.FormatUint(id, 10)

	result := s.tableDB().
		WithContext(ctx).
		Where("id = ? AND status = ?", id, string(storage.StatusCreated)).
		Updates(map[string]interface{}{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, &storage.StorageError{Op: "set status", Key: key, Err: result.Error}
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 && current.Status != status {
		return current, fmt.Errorf("%w: %s is %s, cannot become %s", storage.ErrInvalidTransition, key, current.Status, status)
	}
	return current, nil
}

// FindPriorReadyCommit returns the (skip+1)-th most recent Ready event at the
// coordinate pushed strictly before the given time.
func (s *Store) FindPriorReadyCommit(ctx context.Context, coord storage.Coordinate, skip int, before time.Time) (*storage.PullEvent, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if skip < 0 {
		return nil, fmt.Errorf("%w: skip must be non-negative, got %d", storage.ErrInvalidArgument, skip)
	}
	if err := coord.Validate(); err != nil {
		return nil, err
	}
	// Find instead of Take: no history is a normal result and must not be
	// logged as a record-not-found error.
	var rows []row
	err := s.tableDB().
		WithContext(ctx).
		Where("provider = ? AND repository_owner = ? AND repository_name = ? AND branch = ?",
			string(coord.Provider), coord.RepositoryOwner, coord.RepositoryName, coord.Branch).
		Where("status = ? AND pushed_at < ?", string(storage.StatusReady), normalizeTime(before)).
		Order("pushed_at desc").
		Order("id desc").
		Offset(skip).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, &storage.StorageError{Op: "find prior ready commit", Key: coord.String(), Err: err}
	}
	if len(rows) == 0 {
		return nil, nil
	}
	record := fromRow(rows[0])
	return &record, nil
}

// Get fetches a single event by id.
func (s *Store) Get(ctx context.Context, id uint64) (*storage.PullEvent, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	key := "id=" + strconv.FormatUint(id, 10)
	var data row
	err := s.tableDB().
		WithContext(ctx).
		Where("id = ?", id).
		Take(&data).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, &storage.StorageError{Op: "get", Key: key, Err: err}
	}
	record := fromRow(data)
	return &record, nil
}

// List lists events by filter, newest push first.
func (s *Store) List(ctx context.Context, filter storage.PullEventFilter) ([]storage.PullEvent, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must be non-negative", storage.ErrInvalidArgument)
	}
	query := s.tableDB().WithContext(ctx)
	if filter.Provider != "" {
		query = query.Where("provider = ?", string(filter.Provider))
	}
	if filter.RepositoryOwner != "" {
		query = query.Where("repository_owner = ?", filter.RepositoryOwner)
	}
	if filter.RepositoryName != "" {
		query = query.Where("repository_name = ?", filter.RepositoryName)
	}
	if filter.Branch != "" {
		query = query.Where("branch = ?", filter.Branch)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	limit := filter.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	query = query.Order("pushed_at desc").Order("id desc").Limit(limit)
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var data []row
	if err := query.Find(&data).Error; err != nil {
		return nil, &storage.StorageError{Op: "list", Err: err}
	}
	records := make([]storage.PullEvent, 0, len(data))
	for _, item := range data {
		records = append(records, fromRow(item))
	}
	return records, nil
}

func (s *Store) tableDB() *gorm.DB {
	return s.db.Table(s.table)
}

func fromRow(data row) storage.PullEvent {
	return storage.PullEvent{
		ID:              data.ID,
		Provider:        storage.Provider(data.Provider),
		RepositoryOwner: data.RepositoryOwner,
		RepositoryName:  data.RepositoryName,
		Branch:          data.Branch,
		Commit:          data.Commit,
		Status:          storage.Status(data.Status),
		PushedAt:        data.PushedAt.UTC(),
		CreatedAt:       data.CreatedAt.UTC(),
		UpdatedAt:       data.UpdatedAt.UTC(),
	}
}

// normalizeTime keeps ordering identical across dialects with different
// timestamp precision.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func normalizeDriver(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case "postgres", "postgresql", "pgx":
		return "postgres"
	case "mysql":
		return "mysql"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return ""
	}
}

func openGorm(driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "mysql":
		return gorm.Open(mysql.Open(dsn), &gorm.Config{})
	case "sqlite":
		return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"nftmarket/core/events"
	"nftmarket/core/types"
	"nftmarket/observability"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultPageSize = 100
	maxPageSize     = 1000
)

// Store persists the audit log and idempotency records.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// Open connects to the configured database and applies migrations.
func Open(driver, dsn string, log *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("audit: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return New(db, log), nil
}

// New wraps an already migrated gorm handle.
func New(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, logger: log, nowFn: time.Now}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Emit implements events.Emitter by appending the event to the log. Failures
// are logged and counted; the marketplace mutation that produced the event
// has already committed.
func (s *Store) Emit(evt events.Event) {
	if s == nil || evt == nil || evt.Event() == nil {
		return
	}
	payload := evt.Event()
	observability.Events().RecordEvent(payload.Type)
	if _, err := s.Append(context.Background(), payload); err != nil {
		observability.Events().RecordPersistFailure()
		s.logger.Error("audit: persist event failed",
			slog.String("type", payload.Type),
			slog.Any("error", err))
	}
}

// Append stores one event and returns the stored row.
func (s *Store) Append(ctx context.Context, evt *types.Event) (*Event, error) {
	if evt == nil {
		return nil, errors.New("audit: nil event")
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return nil, fmt.Errorf("audit: encode attributes: %w", err)
	}
	row := &Event{
		ID:         uuid.NewString(),
		Type:       evt.Type,
		Attributes: string(attrs),
		CreatedAt:  s.nowFn().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// List returns up to limit events with a sequence greater than after, oldest
// first.
func (s *Store) List(ctx context.Context, after uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	var rows []Event
	err := s.db.WithContext(ctx).
		Where("sequence > ?", after).
		Order("sequence asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Decode returns the stored attributes of e.
func (e Event) Decode() (*types.Event, error) {
	attrs := map[string]string{}
	if strings.TrimSpace(e.Attributes) != "" {
		if err := json.Unmarshal([]byte(e.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("audit: decode event %s: %w", e.ID, err)
		}
	}
	return &types.Event{Type: e.Type, Attributes: attrs}, nil
}

// Fingerprint hashes the parts of a request that must match for a replay to
// be served from an idempotency record.
func Fingerprint(method, path string, body []byte) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(strings.ToUpper(method)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(path))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// LookupIdempotency returns the stored record for key and caller.
func (s *Store) LookupIdempotency(ctx context.Context, key, caller string) (*IdempotencyKey, bool, error) {
	var record IdempotencyKey
	err := s.db.WithContext(ctx).First(&record, "key = ? AND caller = ?", key, caller).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &record, true, nil
}

// SaveIdempotency stores the response for a key the first time it is seen.
func (s *Store) SaveIdempotency(ctx context.Context, record *IdempotencyKey) error {
	if record == nil {
		return errors.New("audit: nil idempotency record")
	}
	if record.RequestID == "" {
		record.RequestID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.nowFn().UTC()
	}
	return s.db.WithContext(ctx).Create(record).Error
}

// PurgeIdempotency drops records older than cutoff and returns how many were
// removed.
func (s *Store) PurgeIdempotency(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&IdempotencyKey{})
	return res.RowsAffected, res.Error
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/ericvolp12/feedsync/pkg/feed"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	slogGorm "github.com/orandin/slog-gorm"
)

var ErrNotFound = errors.New("record not found")

// Store keeps feed rows in sqlite or postgres and answers paged queries the
// way the production query function does.
type Store struct {
	logger *slog.Logger
	db     *gorm.DB
	now    func() time.Time
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// NewStore opens dsn, a postgres URL or keyword DSN or else a sqlite path,
// and migrates the schema.
func NewStore(logger *slog.Logger, dsn string) (*Store, error) {
	logger = logger.With("module", "store")

	gormLogger := slogGorm.New()

	var dialector gorm.Dialector
	if isPostgresDSN(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if db.Dialector.Name() == "sqlite" {
		// Set pragmas for performance
		if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return nil, fmt.Errorf("failed to set journal mode: %w", err)
		}
		if err := db.Exec("PRAGMA synchronous=normal;").Error; err != nil {
			return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
		}
	}

	if err := db.AutoMigrate(&Row{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{
		logger: logger,
		db:     db,
		now:    time.Now,
	}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Page returns one page of table as query-function rows: records newest
// first, with next_created_at and next_id on the last row of a full page.
func (s *Store) Page(ctx context.Context, table string, filter feed.Filter, after *feed.Cursor) ([]map[string]any, error) {
	q := s.db.WithContext(ctx).Where("source = ?", table)
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if after != nil {
		at := normalizeTime(after.CreatedAt)
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, after.ID)
	}

	var rows []Row
	err := q.Order("created_at DESC").Order("id DESC").Limit(filter.PageSize).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query page: %w", err)
	}

	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = row.Record().Document()
	}

	if len(rows) > 0 && len(rows) == filter.PageSize {
		last := rows[len(rows)-1]
		out[len(out)-1]["next_created_at"] = last.CreatedAt.UTC().Format(time.RFC3339Nano)
		out[len(out)-1]["next_id"] = last.ID
	}

	return out, nil
}

// List returns the newest records of table matching filter, up to limit.
func (s *Store) List(ctx context.Context, table string, filter feed.Filter, limit int) ([]feed.Record, error) {
	page, err := s.Page(ctx, table, feed.Filter{Category: filter.Category, Status: filter.Status, PageSize: limit}, nil)
	if err != nil {
		return nil, err
	}

	records := make([]feed.Record, 0, len(page))
	for _, doc := range page {
		delete(doc, "next_created_at")
		delete(doc, "next_id")
		rec, err := feed.DecodeRecord(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) Get(ctx context.Context, table, id string) (feed.Record, error) {
	row, err := s.get(s.db.WithContext(ctx), table, id)
	if err != nil {
		return feed.Record{}, err
	}
	return row.Record(), nil
}

func (s *Store) get(db *gorm.DB, table, id string) (Row, error) {
	var row Row
	err := db.Where("source = ? AND id = ?", table, id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Row{}, fmt.Errorf("%s/%s: %w", table, id, ErrNotFound)
		}
		return Row{}, fmt.Errorf("failed to get %s/%s: %w", table, id, err)
	}
	return row, nil
}

// Create inserts rec into table, assigning an id and creation time when
// they are missing.
func (s *Store) Create(ctx context.Context, table string, rec feed.Record) (feed.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	row, err := rowFromRecord(table, rec)
	if err != nil {
		return feed.Record{}, err
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return feed.Record{}, fmt.Errorf("failed to create %s/%s: %w", table, rec.ID, err)
	}

	return row.Record(), nil
}

// Update applies patch to the record and stamps payload.updated_at.
func (s *Store) Update(ctx context.Context, table, id string, patch PatchRequest) (feed.Record, error) {
	var updated Row
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.get(tx, table, id)
		if err != nil {
			return err
		}

		rec := row.Record()
		if patch.Category != nil {
			rec.Category = *patch.Category
		}
		if patch.Status != nil {
			rec.Status = *patch.Status
		}
		if patch.Location != nil {
			rec.Location = patch.Location.location()
		}
		if rec.Payload == nil {
			rec.Payload = make(map[string]any, len(patch.Payload)+1)
		}
		maps.Copy(rec.Payload, patch.Payload)
		rec.Payload["updated_at"] = normalizeTime(s.now()).Format(time.RFC3339Nano)

		next, err := rowFromRecord(table, rec)
		if err != nil {
			return err
		}
		if err := tx.Save(&next).Error; err != nil {
			return fmt.Errorf("failed to save %s/%s: %w", table, id, err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return feed.Record{}, err
	}
	return updated.Record(), nil
}

// Delete removes the record and returns its last state.
func (s *Store) Delete(ctx context.Context, table, id string) (feed.Record, error) {
	var deleted Row
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.get(tx, table, id)
		if err != nil {
			return err
		}
		if err := tx.Where("source = ? AND id = ?", table, id).Delete(&Row{}).Error; err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
		}
		deleted = row
		return nil
	})
	if err != nil {
		return feed.Record{}, err
	}
	return deleted.Record(), nil
}

// Expire deletes rows created before cutoff and returns them.
func (s *Store) Expire(ctx context.Context, cutoff time.Time) ([]Row, error) {
	var rows []Row
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("created_at < ?", normalizeTime(cutoff)).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Where("created_at < ?", normalizeTime(cutoff)).Delete(&Row{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expire rows: %w", err)
	}
	return rows, nil
}

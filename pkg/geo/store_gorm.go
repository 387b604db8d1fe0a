package geo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	slogGorm "github.com/orandin/slog-gorm"
)

// ReferenceLocation is the single-row table holding the persisted coordinate.
type ReferenceLocation struct {
	gorm.Model
	Lat float64
	Lng float64
}

// GormStore persists the coordinate in a SQL database.
type GormStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (and migrates) a sqlite database at path.
func NewSQLiteStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: slogGorm.New(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")

	return NewGormStore(db)
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&ReferenceLocation{}); err != nil {
		return nil, fmt.Errorf("failed to migrate reference location: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Load(ctx context.Context) (Coord, error) {
	var loc ReferenceLocation
	if err := s.db.WithContext(ctx).First(&loc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Coord{}, ErrNoCoord
		}
		return Coord{}, fmt.Errorf("failed to load reference location: %w", err)
	}
	return Coord{Lat: loc.Lat, Lng: loc.Lng}, nil
}

func (s *GormStore) Save(ctx context.Context, c Coord) error {
	var loc ReferenceLocation
	err := s.db.WithContext(ctx).First(&loc).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to load reference location: %w", err)
	}

	loc.Lat = c.Lat
	loc.Lng = c.Lng

	if err := s.db.WithContext(ctx).Save(&loc).Error; err != nil {
		return fmt.Errorf("failed to save reference location: %w", err)
	}
	return nil
}

var _ Store = (*GormStore)(nil)

package geo

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// DefaultCoord stands in until a location is known.
var DefaultCoord = Coord{Lat: -26.4833, Lng: 31.3667}

// ErrNoCoord is returned by a Store that has nothing persisted yet.
var ErrNoCoord = errors.New("no coordinate stored")

// Store persists the reference coordinate between runs.
type Store interface {
	Load(ctx context.Context) (Coord, error)
	Save(ctx context.Context, c Coord) error
}

// Provider resolves the user's reference location. It never acquires a live
// device location itself; whatever does calls Set.
type Provider struct {
	logger   *slog.Logger
	store    Store
	fallback Coord

	mu     sync.RWMutex
	cached *Coord
}

func NewProvider(logger *slog.Logger, store Store, fallback Coord) *Provider {
	return &Provider{
		logger:   logger.With("module", "geo"),
		store:    store,
		fallback: fallback,
	}
}

// Resolve returns the persisted coordinate, or persists and returns the
// fallback when none is stored. Store failures are logged and the fallback is
// returned, so Resolve always yields a usable coordinate.
func (p *Provider) Resolve(ctx context.Context) Coord {
	p.mu.RLock()
	if p.cached != nil {
		c := *p.cached
		p.mu.RUnlock()
		return c
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return *p.cached
	}

	c, err := p.store.Load(ctx)
	switch {
	case err == nil:
		p.cached = &c
		return c
	case errors.Is(err, ErrNoCoord):
		p.logger.Info("no stored coordinate, persisting default", "lat", p.fallback.Lat, "lng", p.fallback.Lng)
	default:
		p.logger.Error("failed to load coordinate", "err", err)
		return p.fallback
	}

	if err := p.store.Save(ctx, p.fallback); err != nil {
		p.logger.Error("failed to persist default coordinate", "err", err)
		return p.fallback
	}

	c = p.fallback
	p.cached = &c
	return c
}

// Set persists c and makes it the coordinate returned by Resolve.
func (p *Provider) Set(ctx context.Context, c Coord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.Save(ctx, c); err != nil {
		return err
	}

	p.cached = &c
	return nil
}

// MemoryStore keeps the coordinate in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	coord *Coord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (Coord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.coord == nil {
		return Coord{}, ErrNoCoord
	}
	return *s.coord, nil
}

func (s *MemoryStore) Save(_ context.Context, c Coord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coord = &c
	return nil
}

var _ Store = (*MemoryStore)(nil)

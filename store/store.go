package store

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hrygo/taleforge/ai/cache"
	"github.com/hrygo/taleforge/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// Lookup caches. Reaction traffic resolves the channel's game on
	// every event; the cache keeps that off the hot path.
	gameByID        *cache.LRUCache[int64, *Game]
	gameIDByChannel *cache.LRUCache[string, int64]

	// healthGate bounds how often Healthy actually pings the driver.
	healthMu   sync.Mutex
	healthGate rate.Sometimes
	healthErr  error
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:          driver,
		profile:         profile,
		gameByID:        cache.NewLRUCache[int64, *Game](512, time.Minute),
		gameIDByChannel: cache.NewLRUCache[string, int64](512, time.Minute),
		healthGate:      rate.Sometimes{Interval: time.Minute},
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

// RunInTransaction composes store operations into one write transaction;
// nested calls become savepoints.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.driver.RunInTransaction(ctx, fn)
}

// Healthy pings the underlying connection at most once per minute and
// reports the cached verdict in between.
func (s *Store) Healthy(ctx context.Context) error {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.healthGate.Do(func() {
		s.healthErr = s.driver.Ping(ctx)
	})
	return s.healthErr
}

func (s *Store) Close() error {
	s.gameByID.Clear()
	s.gameIDByChannel.Clear()
	return s.driver.Close()
}

func (s *Store) invalidateGame(gameID int64) {
	s.gameByID.Remove(gameID)
}

// invalidateChannelIndex drops every channel binding. Attach, detach,
// create and delete change which channel maps to which game; those are
// rare enough that a full drop is cheaper than reverse bookkeeping.
func (s *Store) invalidateChannelIndex() {
	s.gameIDByChannel.Clear()
}

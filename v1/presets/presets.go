// Package presets wires complete coordinator stacks for the common
// deployment shapes, so embedders do not assemble stores, registries and
// buses by hand.
package presets

import (
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-coedit/v1/coordinator"
	"github.com/mirkobrombin/go-coedit/v1/eventbus"
	"github.com/mirkobrombin/go-coedit/v1/lock"
	"github.com/mirkobrombin/go-coedit/v1/policy"
	"github.com/mirkobrombin/go-coedit/v1/presence"
	"github.com/mirkobrombin/go-coedit/v1/snapcache"
	"github.com/mirkobrombin/go-coedit/v1/store"
	"github.com/mirkobrombin/go-coedit/v1/sweeper"
)

// Stack bundles a fully wired coordinator and its supporting pieces.
type Stack struct {
	Service *coordinator.Service
	Sweeper *sweeper.Sweeper
	Bus     eventbus.Bus
	Cache   *snapcache.Cache[coordinator.Snapshot]
}

// NewInMemoryStandalone builds a single-process coordinator with no
// external dependencies. Suitable for one instance; state dies with it.
func NewInMemoryStandalone(pol policy.Policy) *Stack {
	entries := store.NewInMemory[presence.Entry]()
	cursors := store.NewInMemory[presence.Cursor]()
	locks := store.NewInMemory[lock.SectionLock]()
	return assemble(pol, entries, cursors, locks, eventbus.NewInMemoryBus())
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis builds a coordinator backed by Redis for both state (versioned
// CAS records) and event fan-out (pub/sub), so multiple instances can
// coordinate the same documents.
func NewRedis(opts RedisOptions, pol policy.Policy) *Stack {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	entries := store.NewRedis[presence.Entry](client)
	cursors := store.NewRedis[presence.Cursor](client)
	locks := store.NewRedis[lock.SectionLock](client)
	return assemble(pol, entries, cursors, locks, eventbus.NewRedisBus(client))
}

func assemble(
	pol policy.Policy,
	entries store.Store[presence.Entry],
	cursors store.Store[presence.Cursor],
	locks store.Store[lock.SectionLock],
	bus eventbus.Bus,
) *Stack {
	reg := presence.NewRegistry(entries, cursors, pol)
	mgr := lock.NewManager(locks, reg, pol)
	cache := snapcache.New[coordinator.Snapshot]()
	svc := coordinator.NewService(reg, mgr, pol,
		coordinator.WithEventBus(bus),
		coordinator.WithSnapshotCache(cache),
	)
	sw := sweeper.New(reg, mgr, pol,
		sweeper.WithEventBus(bus),
		sweeper.WithInvalidator(cache),
	)
	return &Stack{Service: svc, Sweeper: sw, Bus: bus, Cache: cache}
}

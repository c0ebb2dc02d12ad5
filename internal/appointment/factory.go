package appointment

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Factory selects the store variant per purpose: Redis for tracking,
// the matching country's Postgres pool for the durable copy. Both are
// fixed at construction time.
type Factory struct {
	tracking *RedisTrackingRepository
	durable  map[CountryISO]*PgDurableRepository
}

func NewFactory(client *redis.Client, pools map[CountryISO]*pgxpool.Pool) *Factory {
	durable := make(map[CountryISO]*PgDurableRepository, len(pools))
	for country, pool := range pools {
		durable[country] = NewPgDurableRepository(pool, country)
	}
	return &Factory{
		tracking: NewRedisTrackingRepository(client),
		durable:  durable,
	}
}

func (f *Factory) Tracking() TrackingRepository {
	return f.tracking
}

func (f *Factory) Durable(country CountryISO) (DurableRepository, error) {
	repo, ok := f.durable[country]
	if !ok {
		return nil, fmt.Errorf("no durable store configured for country %q: %w", country, ErrInvalidCountry)
	}
	return repo, nil
}

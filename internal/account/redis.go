package account

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis treats the members of a redis set as the valid accounts
type Redis struct {
	rdb *redis.Client
	key string
}

// NewRedis creates a checker over the set stored at key
func NewRedis(rdb *redis.Client, key string) *Redis {
	return &Redis{rdb: rdb, key: key}
}

// IsValidAccount implements Checker
func (r *Redis) IsValidAccount(ctx context.Context, aor string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, r.key, normalize(aor)).Result()
	if err != nil {
		return false, fmt.Errorf("account lookup for %s failed: %w", aor, err)
	}
	return ok, nil
}

// Add inserts aor into the account set
func (r *Redis) Add(ctx context.Context, aor string) error {
	return r.rdb.SAdd(ctx, r.key, normalize(aor)).Err()
}

// Disable deletes aor from the account set
func (r *Redis) Disable(ctx context.Context, aor string) error {
	return r.rdb.SRem(ctx, r.key, normalize(aor)).Err()
}

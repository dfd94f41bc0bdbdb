package redis

import (
	"context"
	"errors"
	"time"

	"github.com/mohitkumar/dripflow/persistence"
)

const LEASE_KEY string = "LEASE"

const releaseLua = `
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`

var _ persistence.Claimer = new(redisLeaseStore)

// redisLeaseStore claims contacts with SET NX PX keys so several processes
// can share one redis without touching the contact documents.
type redisLeaseStore struct {
	*baseDao
}

func NewRedisLeaseStore(conf Config) *redisLeaseStore {
	return &redisLeaseStore{baseDao: newBaseDao(conf)}
}

func (r *redisLeaseStore) TryClaim(ctx context.Context, contactId string, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	key := r.getNamespaceKey(LEASE_KEY, contactId)
	ok, err := r.redisClient.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	if ok {
		return true, nil
	}
	cur, err := r.redisClient.Get(ctx, key).Result()
	if err != nil {
		return false, nil
	}
	if cur == owner {
		if err := r.redisClient.PExpire(ctx, key, ttl).Err(); err != nil {
			return false, persistence.StorageLayerError{Message: err.Error()}
		}
		return true, nil
	}
	return false, nil
}

func (r *redisLeaseStore) Release(ctx context.Context, contactId string, owner string) error {
	key := r.getNamespaceKey(LEASE_KEY, contactId)
	if err := r.redisClient.Eval(ctx, releaseLua, []string{key}, owner).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisLeaseStore) Ping(ctx context.Context) error {
	return r.redisClient.Ping(ctx).Err()
}

func (r *redisLeaseStore) Close() error {
	return r.redisClient.Close()
}

// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package leader

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultRedisLockKey is the key RedisLocker competes for.
const DefaultRedisLockKey = "checkpointd:leader"

// renewIfOwner extends the lock only if this process still owns it.
var renewIfOwner = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseIfOwner deletes the lock only if this process still owns it.
var releaseIfOwner = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker holds a key set with SET NX PX. The value identifies the owner
// so only the owner can renew or release it. The lock expires after ttl if
// the owner stops renewing it.
type RedisLocker struct {
	client goredis.Cmdable
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedisLocker creates a locker on key owned by owner. ttl should be a few
// multiples of the elector's retry interval.
func NewRedisLocker(client goredis.Cmdable, key, owner string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = DefaultRedisLockKey
	}
	return &RedisLocker{client: client, key: key, owner: owner, ttl: ttl}
}

// TryAcquire implements Locker.
func (l *RedisLocker) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set lock key: %w", err)
	}
	if ok {
		return true, nil
	}
	// Still ours from before a restart of the election loop.
	return l.Verify(ctx)
}

// Verify implements Locker, renewing the lock's expiry.
func (l *RedisLocker) Verify(ctx context.Context) (bool, error) {
	n, err := renewIfOwner.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return false, fmt.Errorf("failed to renew lock: %w", err)
	}
	return n == 1, nil
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context) error {
	if err := releaseIfOwner.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package redlock guards work that must not run on two replicas at once,
// such as search collection migrations.
package redlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var ErrLockHeld = errors.New("lock is held by another owner")

const releaseScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"

type Locker struct {
	client redis.UniversalClient
	key    string
	owner  string
}

// NewLocker returns a lock on key owned by this process.
func NewLocker(client redis.UniversalClient, key string) *Locker {
	return &Locker{client: client, key: key, owner: uuid.NewString()}
}

// Lock takes the lock for ttl without waiting.
func (l *Locker) Lock(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", l.key, ErrLockHeld)
	}
	return nil
}

// Unlock releases the lock if this owner still holds it.
func (l *Locker) Unlock(ctx context.Context) error {
	result, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.owner).Result()
	if err != nil {
		return err
	}
	if result == int64(0) {
		return fmt.Errorf("unlock %s: lock expired or held by another owner", l.key)
	}
	return nil
}

// WaitLock retries Lock with jitter until it succeeds, wait elapses or ctx
// is done.
func (l *Locker) WaitLock(ctx context.Context, ttl, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		err := l.Lock(ctx, ttl)
		if err == nil || !errors.Is(err, ErrLockHeld) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("waited %s for %s: %w", wait, l.key, ErrLockHeld)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(50+rand.Intn(100)) * time.Millisecond):
		}
	}
}

// WithLock runs fn while holding key.
func WithLock(ctx context.Context, client redis.UniversalClient, key string, ttl, wait time.Duration, fn func(context.Context) error) error {
	l := NewLocker(client, key)
	if err := l.WaitLock(ctx, ttl, wait); err != nil {
		return err
	}
	defer func() {
		if err := l.Unlock(context.Background()); err != nil {
			logrus.WithError(err).WithField("key", key).Warn("failed to release lock")
		}
	}()
	return fn(ctx)
}

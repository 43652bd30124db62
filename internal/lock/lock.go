// Package redlock holds single-holder leases in redis. The payout scheduler
// uses it so only one instance runs a tick.
package redlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	releaseScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript  = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

var ErrNotHeld = errors.New("lock is not held by this holder")

type Locker struct {
	client redis.UniversalClient
	key    string
	token  string
}

// NewLocker returns a locker with a fresh holder token.
func NewLocker(client redis.UniversalClient, key string) *Locker {
	return &Locker{client: client, key: key, token: uuid.NewString()}
}

// TryLock reports whether the lease was acquired.
func (l *Locker) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, ttl).Result()
}

func (l *Locker) Unlock(ctx context.Context) error {
	res, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Result()
	if err != nil {
		return err
	}
	if res == int64(0) {
		return fmt.Errorf("unlock %s: %w", l.key, ErrNotHeld)
	}
	return nil
}

func (l *Locker) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.token, fmt.Sprintf("%d", ttl.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if res == int64(0) {
		return fmt.Errorf("extend %s: %w", l.key, ErrNotHeld)
	}
	return nil
}

// RunExclusive runs fn only if the lease is free. ran is false when another
// holder has it.
func (l *Locker) RunExclusive(ctx context.Context, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	ok, err := l.TryLock(ctx, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if uerr := l.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			logrus.WithFields(logrus.Fields{"key": l.key, "error": uerr.Error()}).Warn("failed to release lock")
		}
	}()
	return true, fn(ctx)
}

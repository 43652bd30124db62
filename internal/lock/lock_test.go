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

package redlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockLocker() (*Locker, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	l := NewLocker(db, "payrail:payout-tick")
	l.token = "holder-1"
	return l, mock
}

func TestLocker_TryLock(t *testing.T) {
	l, mock := newMockLocker()
	mock.ExpectSetNX("payrail:payout-tick", "holder-1", 5*time.Second).SetVal(true)

	ok, err := l.TryLock(context.Background(), 5*time.Second)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_TryLock_Held(t *testing.T) {
	l, mock := newMockLocker()
	mock.ExpectSetNX("payrail:payout-tick", "holder-1", 5*time.Second).SetVal(false)

	ok, err := l.TryLock(context.Background(), 5*time.Second)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock_NotHolder(t *testing.T) {
	l, mock := newMockLocker()
	mock.ExpectEval(releaseScript, []string{"payrail:payout-tick"}, "holder-1").SetVal(int64(0))

	err := l.Unlock(context.Background())
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Extend(t *testing.T) {
	l, mock := newMockLocker()
	mock.ExpectEval(extendScript, []string{"payrail:payout-tick"}, "holder-1", "5000").SetVal(int64(1))

	assert.NoError(t, l.Extend(context.Background(), 5*time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_RunExclusive(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	first := NewLocker(client, "tick")
	second := NewLocker(client, "tick")
	ctx := context.Background()

	ran, err := first.RunExclusive(ctx, time.Minute, func(ctx context.Context) error {
		inner, err := second.RunExclusive(ctx, time.Minute, func(ctx context.Context) error {
			t.Fatal("second holder must not run while the first holds the lease")
			return nil
		})
		assert.False(t, inner)
		return err
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists("tick"))

	ran, err = second.RunExclusive(ctx, time.Minute, func(ctx context.Context) error {
		return errors.New("tick failed")
	})
	assert.True(t, ran)
	assert.EqualError(t, err, "tick failed")
	assert.False(t, mr.Exists("tick"))
}

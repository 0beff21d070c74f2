package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		client.Close()
		mr.Close()
	}
	return NewRedis(client), mr, cleanup
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	locker, _, cleanup := setupRedisLocker(t)
	defer cleanup()

	ctx := context.Background()
	release, err := locker.Acquire(ctx, "wd-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := locker.Acquire(ctx, "wd-1", time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	// Different key is independent.
	otherRelease, err := locker.Acquire(ctx, "wd-2", time.Minute)
	if err != nil {
		t.Fatalf("acquire other key: %v", err)
	}
	otherRelease()

	release()
	release() // double release is a no-op

	if _, err := locker.Acquire(ctx, "wd-1", time.Minute); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestRedisLockerExpiredHoldIsNotReleasedByOldHolder(t *testing.T) {
	locker, mr, cleanup := setupRedisLocker(t)
	defer cleanup()

	ctx := context.Background()
	oldRelease, err := locker.Acquire(ctx, "wd-1", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mr.FastForward(time.Second)

	newRelease, err := locker.Acquire(ctx, "wd-1", time.Minute)
	if err != nil {
		t.Fatalf("reacquire after expiry: %v", err)
	}

	// The stale holder's release must not free the new holder's lock.
	oldRelease()
	if _, err := locker.Acquire(ctx, "wd-1", time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("stale release freed the new holder's lock: %v", err)
	}

	newRelease()
}

func TestMemoryLocker(t *testing.T) {
	locker := NewMemory()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "wd-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "wd-1", time.Minute); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	release()
	if _, err := locker.Acquire(ctx, "wd-1", time.Minute); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
}

package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreInvalidURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestReserveCompleteReplay(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()

	ctx := context.Background()
	key := Scope("user-1", "recordDecision", "k-1")

	_, reserved, err := store.Reserve(ctx, key, Record{Fingerprint: "app-1/APPROVED"}, time.Hour)
	if err != nil || !reserved {
		t.Fatalf("Reserve() = %v, %v; want reserved", reserved, err)
	}

	existing, reserved, err := store.Reserve(ctx, key, Record{Fingerprint: "app-1/APPROVED"}, time.Hour)
	if err != nil || reserved {
		t.Fatalf("second Reserve() = %v, %v; want existing", reserved, err)
	}
	if _, err := Check(existing, reserved, "app-1/APPROVED"); err != ErrInProgress {
		t.Fatalf("Check() error = %v, want ErrInProgress", err)
	}

	body := json.RawMessage(`{"status":"APPROVED"}`)
	if err := store.Complete(ctx, key, Record{Fingerprint: "app-1/APPROVED", StatusCode: 200, Body: body}, time.Hour); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	existing, reserved, err = store.Reserve(ctx, key, Record{Fingerprint: "app-1/APPROVED"}, time.Hour)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	replay, err := Check(existing, reserved, "app-1/APPROVED")
	if err != nil || replay == nil {
		t.Fatalf("Check() = %v, %v; want replay", replay, err)
	}
	if replay.StatusCode != 200 || string(replay.Body) != `{"status":"APPROVED"}` {
		t.Fatalf("replay = %+v", replay)
	}
	if _, err := Check(existing, reserved, "app-1/REJECTED"); err != ErrMismatch {
		t.Fatalf("Check() error = %v, want ErrMismatch", err)
	}

	if !s.Exists("idem:" + key) {
		t.Fatal("expected key under idem: prefix")
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	store, _ := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if _, ok, _ := store.Reserve(ctx, "k", Record{}, time.Hour); !ok {
		t.Fatal("first reserve failed")
	}
	if err := store.Release(ctx, "k"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, ok, _ := store.Reserve(ctx, "k", Record{}, time.Hour); !ok {
		t.Fatal("reserve after release failed")
	}
}

func TestReservationExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	ctx := context.Background()

	if _, ok, _ := store.Reserve(ctx, "k", Record{}, time.Second); !ok {
		t.Fatal("first reserve failed")
	}
	s.FastForward(2 * time.Second)
	if _, ok, _ := store.Reserve(ctx, "k", Record{}, time.Second); !ok {
		t.Fatal("reserve after expiry failed")
	}
}

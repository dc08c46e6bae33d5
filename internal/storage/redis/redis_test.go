package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"

	xerrors "NexusAgent/internal/errors"
	"NexusAgent/internal/policy"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLockerAcquireAndRelease(t *testing.T) {
	t.Parallel()

	mr, client := newTestClient(t)
	locker := NewLocker(client, "nexus")

	ctx := context.Background()
	unlock, err := locker.Lock(ctx, "wallet-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !mr.Exists("nexus:lock:wallet-1") {
		t.Fatalf("lock key missing")
	}
	if ttl := mr.TTL("nexus:lock:wallet-1"); ttl <= 0 {
		t.Fatalf("lock key should expire, ttl=%v", ttl)
	}

	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if mr.Exists("nexus:lock:wallet-1") {
		t.Fatalf("lock key should be removed after unlock")
	}
}

func TestLockerContention(t *testing.T) {
	t.Parallel()

	_, client := newTestClient(t)
	locker := NewLocker(client, "nexus", WithRetryInterval(5*time.Millisecond))

	unlock, err := locker.Lock(context.Background(), "wallet-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "wallet-1")
	if err == nil {
		t.Fatalf("expected contention error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if xerrors.CodeOf(err) != xerrors.CodeLockUnavailable {
		t.Fatalf("expected lock unavailable code, got %s", xerrors.CodeOf(err))
	}

	other, err := locker.Lock(context.Background(), "wallet-2")
	if err != nil {
		t.Fatalf("independent key should lock: %v", err)
	}
	_ = other(context.Background())
}

func TestLockerUnlockKeepsForeignToken(t *testing.T) {
	t.Parallel()

	mr, client := newTestClient(t)
	locker := NewLocker(client, "nexus")

	unlock, err := locker.Lock(context.Background(), "wallet-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	// 模拟锁过期后被其他进程重新获取。
	mr.Set("nexus:lock:wallet-1", "someone-else")

	if err := unlock(context.Background()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if got, _ := mr.Get("nexus:lock:wallet-1"); got != "someone-else" {
		t.Fatalf("foreign lock was released, value=%q", got)
	}
}

func TestLockerRenewsLeaseWhileHeld(t *testing.T) {
	t.Parallel()

	mr, client := newTestClient(t)
	locker := NewLocker(client, "nexus",
		WithLockTTL(30*time.Second),
		WithRenewInterval(5*time.Millisecond),
		WithRetryInterval(5*time.Millisecond))

	unlock, err := locker.Lock(context.Background(), "wallet-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	// 持有时间累计 120s，是 TTL 的四倍。
	for i := 0; i < 6; i++ {
		mr.FastForward(20 * time.Second)
		time.Sleep(30 * time.Millisecond)
	}
	if !mr.Exists("nexus:lock:wallet-1") {
		t.Fatalf("lease expired while the holder was alive")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, "wallet-1"); xerrors.CodeOf(err) != xerrors.CodeLockUnavailable {
		t.Fatalf("second holder must wait, got %v", err)
	}

	if err := unlock(context.Background()); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := unlock(context.Background()); err != nil {
		t.Fatalf("second unlock: %v", err)
	}
	if mr.Exists("nexus:lock:wallet-1") {
		t.Fatalf("lock key should be removed after unlock")
	}
}

func TestLockerStopsRenewingForeignLease(t *testing.T) {
	t.Parallel()

	mr, client := newTestClient(t)
	locker := NewLocker(client, "nexus", WithLockTTL(30*time.Second), WithRenewInterval(5*time.Millisecond))

	unlock, err := locker.Lock(context.Background(), "wallet-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock(context.Background())

	mr.Set("nexus:lock:wallet-1", "someone-else")
	mr.SetTTL("nexus:lock:wallet-1", 10*time.Second)
	time.Sleep(30 * time.Millisecond)
	if ttl := mr.TTL("nexus:lock:wallet-1"); ttl != 10*time.Second {
		t.Fatalf("foreign lease must not be extended, ttl=%v", ttl)
	}
}

func TestWindowStoreAddSpendAccumulates(t *testing.T) {
	t.Parallel()

	mr, client := newTestClient(t)
	store := NewWindowStore(client, "nexus")
	ctx := context.Background()
	reset := time.UnixMilli(1_700_000_000_000)

	w, err := store.AddSpend(ctx, "wallet-1", 0.5, reset)
	if err != nil {
		t.Fatalf("AddSpend: %v", err)
	}
	if w.HourlySpent != 0.5 || w.DailySpent != 0.5 || !w.LastReset.Equal(reset) {
		t.Fatalf("unexpected window %+v", w)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.AddSpend(ctx, "wallet-1", 0.125, reset.Add(time.Hour)); err != nil {
				t.Errorf("AddSpend: %v", err)
			}
		}()
	}
	wg.Wait()

	w, ok, err := store.LoadWindow(ctx, "wallet-1")
	if err != nil || !ok {
		t.Fatalf("LoadWindow: ok=%v err=%v", ok, err)
	}
	if w.HourlySpent != 1.75 || w.DailySpent != 1.75 {
		t.Fatalf("concurrent deltas lost: %+v", w)
	}
	if !w.LastReset.Equal(reset) {
		t.Fatalf("existing last_reset_ms must be kept, got %v", w.LastReset)
	}
	if got := mr.HGet("nexus:window:wallet-1", fieldLastReset); got != "1700000000000" {
		t.Fatalf("unexpected last_reset_ms %q", got)
	}
}

func TestWindowStoreRoundTrip(t *testing.T) {
	t.Parallel()

	mr, client := newTestClient(t)
	store := NewWindowStore(client, "nexus")
	ctx := context.Background()

	if _, ok, err := store.LoadWindow(ctx, "wallet-1"); err != nil || ok {
		t.Fatalf("expected empty window, ok=%v err=%v", ok, err)
	}

	reset := time.UnixMilli(1_700_000_000_000)
	if err := store.SaveWindow(ctx, "wallet-1", policy.Window{HourlySpent: 0.25, DailySpent: 1.5, LastReset: reset}); err != nil {
		t.Fatalf("SaveWindow: %v", err)
	}
	if got := mr.HGet("nexus:window:wallet-1", fieldHourly); got != "0.25" {
		t.Fatalf("unexpected hourly field %q", got)
	}

	w, ok, err := store.LoadWindow(ctx, "wallet-1")
	if err != nil || !ok {
		t.Fatalf("LoadWindow: ok=%v err=%v", ok, err)
	}
	if w.HourlySpent != 0.25 || w.DailySpent != 1.5 || !w.LastReset.Equal(reset) {
		t.Fatalf("unexpected window %+v", w)
	}
}

func TestWindowStoreRejectsCorruptHash(t *testing.T) {
	t.Parallel()

	mr, client := newTestClient(t)
	mr.HSet("nexus:window:wallet-1", fieldHourly, "abc")

	_, _, err := NewWindowStore(client, "nexus").LoadWindow(context.Background(), "wallet-1")
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestDialRequiresAddress(t *testing.T) {
	t.Parallel()

	if _, err := Dial(context.Background(), Options{}); xerrors.CodeOf(err) != xerrors.CodeNotConfigured {
		t.Fatalf("expected not configured, got %v", err)
	}

	mr := miniredis.RunT(t)
	client, err := Dial(context.Background(), Options{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	_ = client.Close()
}

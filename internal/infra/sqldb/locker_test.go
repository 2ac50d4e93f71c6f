package sqldb_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"distributed-repeater/internal/domain"
	"distributed-repeater/internal/infra/sqldb"
	"distributed-repeater/internal/infra/sqldb/sqldbtest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocker(t *testing.T) (*sqldb.DB, *sqldb.Locker) {
	t.Helper()
	db := sqldbtest.Open(t, "")
	return db, sqldb.NewLocker(db, discardLogger(), sqldb.WithPollInterval(5*time.Millisecond))
}

func mustTest(t *testing.T, l *sqldb.Locker, resources ...domain.Resource) bool {
	t.Helper()
	free, err := l.TestMany(context.Background(), resources...)
	if err != nil {
		t.Fatalf("TestMany(%v): %v", resources, err)
	}
	return free
}

func TestLocker_TestMany(t *testing.T) {
	ctx := context.Background()
	_, l := newLocker(t)

	if !mustTest(t, l, domain.ResourceCounter, domain.ResourceAggregatedCounter) {
		t.Fatal("resources should be free on an empty table")
	}

	lock, err := l.AcquireOne(ctx, time.Second, domain.ResourceCounter)
	if err != nil {
		t.Fatalf("AcquireOne failed: %v", err)
	}

	if mustTest(t, l, domain.ResourceCounter) {
		t.Error("held resource reported free")
	}
	if !mustTest(t, l, domain.ResourceAggregatedCounter) {
		t.Error("disjoint resource reported held")
	}
	if mustTest(t, l, domain.ResourceAggregatedCounter, domain.ResourceCounter) {
		t.Error("overlapping set reported free")
	}
	if !mustTest(t, l) {
		t.Error("empty set should be free")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !mustTest(t, l, domain.ResourceCounter) {
		t.Error("released resource still reported held")
	}
}

func TestLocker_AcquireManyIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	_, l := newLocker(t)

	held, err := l.AcquireOne(ctx, time.Second, domain.ResourceCounter)
	if err != nil {
		t.Fatalf("AcquireOne failed: %v", err)
	}
	defer held.Release(ctx)

	start := time.Now()
	_, err = l.AcquireMany(ctx, 150*time.Millisecond, domain.ResourceAggregatedCounter, domain.ResourceCounter)
	if !errors.Is(err, domain.ErrLockNotAcquired) || !domain.IsTimeout(err) {
		t.Fatalf("AcquireMany error = %v, want lock timeout", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("AcquireMany gave up after %v, before its timeout", elapsed)
	}

	if !mustTest(t, l, domain.ResourceAggregatedCounter) {
		t.Error("failed acquisition left a partial lock behind")
	}
}

func TestLocker_AcquireTriesAgainAtDeadline(t *testing.T) {
	ctx := context.Background()
	db := sqldbtest.Open(t, "")
	l := sqldb.NewLocker(db, discardLogger(), sqldb.WithPollInterval(100*time.Millisecond))

	held, err := l.AcquireOne(ctx, time.Second, domain.ResourceCounter)
	if err != nil {
		t.Fatalf("AcquireOne failed: %v", err)
	}
	// Freed after the last regular poll (100ms) but before the deadline (190ms).
	time.AfterFunc(120*time.Millisecond, func() { _ = held.Release(ctx) })

	start := time.Now()
	lock, err := l.AcquireOne(ctx, 190*time.Millisecond, domain.ResourceCounter)
	if err != nil {
		t.Fatalf("AcquireOne gave up after %v although the lock was free before its deadline: %v", time.Since(start), err)
	}
	defer lock.Release(ctx)
}

func TestLocker_AcquireNormalizesResources(t *testing.T) {
	ctx := context.Background()
	_, l := newLocker(t)

	lock, err := l.AcquireMany(ctx, time.Second, domain.ResourceCounter, "", domain.ResourceCounter, domain.ResourceAggregatedCounter)
	if err != nil {
		t.Fatalf("AcquireMany failed: %v", err)
	}
	defer lock.Release(ctx)

	got := lock.Resources()
	want := []domain.Resource{domain.ResourceAggregatedCounter, domain.ResourceCounter}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Resources() = %v, want %v", got, want)
	}

	if _, err := l.AcquireMany(ctx, time.Second); err == nil {
		t.Error("AcquireMany without resources should fail")
	}
}

func TestLocker_AcquireCanceled(t *testing.T) {
	_, l := newLocker(t)

	held, err := l.AcquireOne(context.Background(), time.Second, domain.ResourceCounter)
	if err != nil {
		t.Fatalf("AcquireOne failed: %v", err)
	}
	defer held.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = l.AcquireOne(ctx, 10*time.Second, domain.ResourceCounter)
	if !domain.IsCanceled(err) {
		t.Fatalf("AcquireOne error = %v, want cancellation", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation should wrap context.Canceled, got %v", err)
	}
	if domain.IsTimeout(err) {
		t.Errorf("cancellation must not be reported as a timeout: %v", err)
	}
}

func TestLocker_MutualExclusion(t *testing.T) {
	_, l := newLocker(t)

	const workers = 8
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
		errs    = make(chan error, workers)
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			lock, err := l.AcquireOne(ctx, 30*time.Second, domain.ResourceCountersAggregator)
			if err != nil {
				errs <- err
				return
			}
			n := inside.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inside.Add(-1)
			if err := lock.Release(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("worker failed: %v", err)
	}
	if got := maxSeen.Load(); got != 1 {
		t.Errorf("%d holders were inside the critical section at once, want 1", got)
	}
}

func TestLocker_ReleaseIsIdempotent(t *testing.T) {
	_, l := newLocker(t)

	lock, err := l.AcquireOne(context.Background(), time.Second, domain.ResourceCounter)
	if err != nil {
		t.Fatalf("AcquireOne failed: %v", err)
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	if err := lock.Release(canceled); err != nil {
		t.Fatalf("Release with a cancelled context failed: %v", err)
	}
	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("second Release failed: %v", err)
	}
	if !mustTest(t, l, domain.ResourceCounter) {
		t.Error("lock still held after Release")
	}
}

func TestLocker_ReleaseKeepsOtherHoldersRows(t *testing.T) {
	ctx := context.Background()
	db, l := newLocker(t)

	first, err := l.AcquireOne(ctx, time.Second, domain.ResourceCounter)
	if err != nil {
		t.Fatalf("AcquireOne failed: %v", err)
	}
	// Another holder takes over the row after it expired.
	if _, err := db.Session().Exec(ctx, `UPDATE `+db.Table("lock")+` SET "owner" = ?`, "someone-else"); err != nil {
		t.Fatalf("reassign lock row: %v", err)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if mustTest(t, l, domain.ResourceCounter) {
		t.Error("Release deleted a row owned by another holder")
	}
}

func TestLocker_ReclaimsExpiredRows(t *testing.T) {
	ctx := context.Background()
	db, l := newLocker(t)

	stale := time.Now().Add(-time.Minute).UnixMilli()
	if _, err := db.Session().Exec(ctx,
		`INSERT INTO `+db.Table("lock")+` ("prefix", "resource", "owner", "expire_at") VALUES (?, ?, ?, ?)`,
		"", string(domain.ResourceCounter), "crashed", stale); err != nil {
		t.Fatalf("insert stale lock: %v", err)
	}

	if !mustTest(t, l, domain.ResourceCounter) {
		t.Error("expired row should not count as held")
	}

	lock, err := l.AcquireOne(ctx, 200*time.Millisecond, domain.ResourceCounter)
	if err != nil {
		t.Fatalf("AcquireOne over an expired row failed: %v", err)
	}
	defer lock.Release(ctx)

	if mustTest(t, l, domain.ResourceCounter) {
		t.Error("reclaimed lock not reported as held")
	}
}

func TestLocker_RenewsWhileHeld(t *testing.T) {
	ctx := context.Background()
	db := sqldbtest.Open(t, "")
	l := sqldb.NewLocker(db, discardLogger(),
		sqldb.WithLockTTL(150*time.Millisecond),
		sqldb.WithPollInterval(5*time.Millisecond),
	)

	lock, err := l.AcquireOne(ctx, time.Second, domain.ResourceCounter)
	if err != nil {
		t.Fatalf("AcquireOne failed: %v", err)
	}

	time.Sleep(400 * time.Millisecond)
	if mustTest(t, l, domain.ResourceCounter) {
		t.Fatal("lock expired while its holder was alive")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestLocker_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	db, l := newLocker(t)

	live, err := l.AcquireOne(ctx, time.Second, domain.ResourceCounter)
	if err != nil {
		t.Fatalf("AcquireOne failed: %v", err)
	}
	defer live.Release(ctx)

	stale := time.Now().Add(-time.Minute).UnixMilli()
	if _, err := db.Session().Exec(ctx,
		`INSERT INTO `+db.Table("lock")+` ("prefix", "resource", "owner", "expire_at") VALUES (?, ?, ?, ?)`,
		"", string(domain.ResourceExpirationManager), "crashed", stale); err != nil {
		t.Fatalf("insert stale lock: %v", err)
	}

	n, err := l.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeExpired removed %d rows, want 1", n)
	}
	if got := sqldbtest.Count(t, db, "lock"); got != 1 {
		t.Errorf("%d lock rows left, want the live one", got)
	}
}

func TestLocker_StoresDeploymentPrefix(t *testing.T) {
	ctx := context.Background()
	db := sqldbtest.Open(t, "hf_")
	l := sqldb.NewLocker(db, discardLogger(), sqldb.WithPollInterval(5*time.Millisecond))

	lock, err := l.AcquireOne(ctx, time.Second, domain.ResourceCounter)
	if err != nil {
		t.Fatalf("AcquireOne failed: %v", err)
	}
	defer lock.Release(ctx)

	var prefix string
	if err := db.Session().QueryRow(ctx, `SELECT "prefix" FROM "hf_lock"`).Scan(&prefix); err != nil {
		t.Fatalf("read lock row: %v", err)
	}
	if prefix != "hf_" {
		t.Errorf("lock row prefix = %q, want %q", prefix, "hf_")
	}
}

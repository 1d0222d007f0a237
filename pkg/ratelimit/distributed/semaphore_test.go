package distributed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/vnykmshr/flowlimit/internal/testutil"
	gferrors "github.com/vnykmshr/flowlimit/pkg/common/errors"
	"github.com/vnykmshr/flowlimit/pkg/metrics"
)

// redisClient returns a client for REDIS_ADDR (default localhost:6379) or
// skips the test when no server answers.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newTestSemaphore(t *testing.T, rdb *redis.Client, key string, limit int, instance string) Semaphore {
	t.Helper()

	sem, err := NewSemaphore(Config{
		Redis:        rdb,
		Key:          key,
		Limit:        limit,
		InstanceID:   instance,
		PollInterval: 5 * time.Millisecond,
	})
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { _ = sem.Close() })
	return sem
}

func testKey(t *testing.T) string {
	return fmt.Sprintf("flowlimit_test:%s:%d", t.Name(), time.Now().UnixNano())
}

func TestValidateConfig(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer func() { _ = rdb.Close() }()

	tests := []struct {
		name   string
		config Config
	}{
		{"missing redis", Config{Key: "k", Limit: 1}},
		{"missing key", Config{Redis: rdb, Limit: 1}},
		{"zero limit", Config{Redis: rdb, Key: "k"}},
		{"negative lease", Config{Redis: rdb, Key: "k", Limit: 1, LeaseTTL: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sem, err := NewSemaphore(tt.config)
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *ConfigError, got %v", err)
			}
			if sem != nil {
				t.Error("expected nil semaphore")
			}
		})
	}
}

func TestApplyConfigDefaults(t *testing.T) {
	config := applyConfigDefaults(Config{LeaseTTL: 2 * time.Hour})

	if config.InstanceID == "" {
		t.Error("instance ID should be generated")
	}
	testutil.AssertEqual(t, config.RedisTimeout, 500*time.Millisecond)
	testutil.AssertEqual(t, config.PollInterval, 50*time.Millisecond)
	testutil.AssertEqual(t, config.KeyTTL, 2*time.Hour)
}

func TestLeaseMember(t *testing.T) {
	m := leaseMember("host-1#a", 42)
	testutil.AssertEqual(t, m, "host-1#a#42")
	testutil.AssertEqual(t, leaseOwner(m), "host-1#a")
	testutil.AssertEqual(t, leaseOwner("plain"), "plain")
}

func TestRedisErrorUnwrap(t *testing.T) {
	err := &RedisError{"acquire", context.DeadlineExceeded}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("RedisError should unwrap to its cause")
	}
	testutil.AssertEqual(t, err.Error(), "redis error in acquire: context deadline exceeded")
}

func TestSemaphoreTryAcquire(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	sem := newTestSemaphore(t, rdb, testKey(t), 2, "a")

	for i := 0; i < 2; i++ {
		ok, err := sem.TryAcquire(ctx)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, ok, true)
	}

	ok, err := sem.TryAcquire(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, false)

	testutil.AssertNoError(t, sem.Release(ctx))

	ok, err = sem.TryAcquire(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)

	stats, err := sem.Stats(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, stats.Limit, 2)
	testutil.AssertEqual(t, stats.Held, 2)
	testutil.AssertEqual(t, stats.HeldByInstance["a"], 2)
	testutil.AssertEqual(t, stats.Acquired, int64(3))
	testutil.AssertEqual(t, stats.Denied, int64(1))
	testutil.AssertEqual(t, stats.Released, int64(1))
}

func TestSemaphoreSharedAcrossInstances(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	key := testKey(t)

	first := newTestSemaphore(t, rdb, key, 1, "first")
	second := newTestSemaphore(t, rdb, key, 1, "second")

	ok, err := first.TryAcquire(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)

	ok, err = second.TryAcquire(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, false)

	stats, err := second.Stats(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, len(stats.ActiveInstances), 2)
	testutil.AssertEqual(t, stats.HeldByInstance["first"], 1)

	// Closing an instance frees its slots.
	testutil.AssertNoError(t, first.Close())

	ok, err = second.TryAcquire(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)
}

func TestSemaphoreAcquireWaits(t *testing.T) {
	rdb := redisClient(t)
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	sem := newTestSemaphore(t, rdb, testKey(t), 1, "a")
	testutil.AssertNoError(t, sem.Acquire(ctx))

	acquired := make(chan error, 1)
	go func() { acquired <- sem.Acquire(ctx) }()

	select {
	case err := <-acquired:
		t.Fatalf("Acquire returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	testutil.AssertNoError(t, sem.Release(ctx))
	testutil.AssertNoError(t, <-acquired)
}

func TestSemaphoreAcquireCanceled(t *testing.T) {
	rdb := redisClient(t)
	sem := newTestSemaphore(t, rdb, testKey(t), 1, "a")

	ok, err := sem.TryAcquire(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := sem.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
}

func TestSemaphoreExpiredLease(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	key := testKey(t)

	// A crashed holder: its lease expired long ago and nobody renews it.
	err := rdb.ZAdd(ctx, key+":holders", redis.Z{
		Score:  float64(toMillis(time.Now().Add(-time.Minute))),
		Member: leaseMember("crashed", 1),
	}).Err()
	testutil.AssertNoError(t, err)

	sem := newTestSemaphore(t, rdb, key, 1, "a")
	ok, err := sem.TryAcquire(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)
}

func TestSemaphoreRenewsLeases(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	key := testKey(t)

	sem, err := NewSemaphore(Config{
		Redis:      rdb,
		Key:        key,
		Limit:      1,
		InstanceID: "a",
		LeaseTTL:   150 * time.Millisecond,
	})
	testutil.AssertNoError(t, err)
	defer func() { _ = sem.Close() }()

	ok, err := sem.TryAcquire(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, ok, true)

	// Outlive the original lease several times over.
	time.Sleep(400 * time.Millisecond)

	stats, err := sem.Stats(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, stats.Held, 1)
}

func TestSemaphoreReleaseWithoutSlot(t *testing.T) {
	rdb := redisClient(t)
	sem := newTestSemaphore(t, rdb, testKey(t), 1, "a")

	err := sem.Release(context.Background())
	if !errors.Is(err, ErrNotHeld) {
		t.Fatalf("got %v, want ErrNotHeld", err)
	}
}

func TestSemaphoreClosed(t *testing.T) {
	rdb := redisClient(t)
	sem := newTestSemaphore(t, rdb, testKey(t), 1, "a")

	testutil.AssertNoError(t, sem.Close())
	testutil.AssertNoError(t, sem.Close())

	_, err := sem.TryAcquire(context.Background())
	if !errors.Is(err, gferrors.ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}

func TestSemaphoreReset(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	sem := newTestSemaphore(t, rdb, testKey(t), 1, "a")

	ok, _ := sem.TryAcquire(ctx)
	testutil.AssertEqual(t, ok, true)

	testutil.AssertNoError(t, sem.Reset(ctx))

	stats, err := sem.Stats(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, stats.Held, 0)
	testutil.AssertEqual(t, stats.Acquired, int64(0))
	testutil.AssertEqual(t, len(stats.ActiveInstances), 1)
}

func TestSemaphoreMetrics(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()
	key := testKey(t)
	reg := metrics.NewRegistry(prometheus.NewRegistry())

	sem, err := NewSemaphore(Config{Redis: rdb, Key: key, Limit: 1, Metrics: reg})
	testutil.AssertNoError(t, err)
	defer func() { _ = sem.Close() }()

	_, _ = sem.TryAcquire(ctx)
	_, _ = sem.TryAcquire(ctx)

	testutil.AssertEqual(t, promtestutil.ToFloat64(reg.DistributedAcquire.WithLabelValues(key, "acquired")), 1.0)
	testutil.AssertEqual(t, promtestutil.ToFloat64(reg.DistributedAcquire.WithLabelValues(key, "denied")), 1.0)
}

func TestGuardBoundsAcrossInstances(t *testing.T) {
	rdb := redisClient(t)
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()
	key := testKey(t)

	sems := []Semaphore{
		newTestSemaphore(t, rdb, key, 2, "a"),
		newTestSemaphore(t, rdb, key, 2, "b"),
		newTestSemaphore(t, rdb, key, 2, "c"),
	}

	var running, peak int32
	task := func() (int, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return 1, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(sem Semaphore) {
			defer wg.Done()
			if _, err := Guard(ctx, sem, task)(); err != nil {
				t.Errorf("guarded task: %v", err)
			}
		}(sems[i%len(sems)])
	}
	wg.Wait()

	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("peak %d exceeds global limit 2", p)
	}

	stats, err := sems[0].Stats(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, stats.Held, 0)
}

func TestGuardAcquireFailure(t *testing.T) {
	rdb := redisClient(t)
	sem := newTestSemaphore(t, rdb, testKey(t), 1, "a")
	testutil.AssertNoError(t, sem.Close())

	called := testutil.NewCallbackTracker()
	_, err := Guard(context.Background(), sem, func() (int, error) {
		called.Mark()
		return 0, nil
	})()

	if !errors.Is(err, gferrors.ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	called.AssertNotCalled(t)
}

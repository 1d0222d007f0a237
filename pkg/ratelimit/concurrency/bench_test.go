package concurrency

import (
	"fmt"
	"testing"
)

// mustNewLimiter creates a new limiter or panics on error (for benchmarks only)
func mustNewLimiter(concurrency int) *Limiter {
	l, err := NewLimiter(concurrency)
	if err != nil {
		panic(err)
	}
	return l
}

func noop() (int, error) { return 0, nil }

// BenchmarkSubmit measures Submit and Get with free slots
func BenchmarkSubmit(b *testing.B) {
	l := mustNewLimiter(1000)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = Submit(l, noop).Get()
		}
	})
}

// BenchmarkSubmitQueued measures throughput when most tasks wait in the queue
func BenchmarkSubmitQueued(b *testing.B) {
	for _, budget := range []int{1, 4, 16} {
		b.Run(fmt.Sprintf("budget=%d", budget), func(b *testing.B) {
			l := mustNewLimiter(budget)
			futures := make([]*Future[int], b.N)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				futures[i] = Submit(l, noop)
			}
			for _, f := range futures {
				_, _ = f.Get()
			}
		})
	}
}

// BenchmarkUnlimited measures Submit without a budget
func BenchmarkUnlimited(b *testing.B) {
	l := mustNewLimiter(0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Submit(l, noop).Get()
	}
}

// BenchmarkMap measures Map over slices of different sizes
func BenchmarkMap(b *testing.B) {
	for _, size := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("items=%d", size), func(b *testing.B) {
			l := mustNewLimiter(8)
			items := make([]int, size)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				_, _ = Map(l, items, func(n int) (int, error) { return n + 1, nil }).Get()
			}
		})
	}
}

// BenchmarkQueueDepth measures the cost of reading the queue depth
func BenchmarkQueueDepth(b *testing.B) {
	l := mustNewLimiter(4)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = l.QueueDepth()
		}
	})
}

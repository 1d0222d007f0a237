// Package distributed provides a cluster-wide concurrency budget using Redis as
// the coordination backend.
//
// A local concurrency.Limiter bounds the tasks of one process. When several
// instances of an application share a downstream resource, a Semaphore bounds
// the total number of tasks running across all of them.
//
// # Quick Start
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//
//	sem, err := distributed.NewSemaphore(distributed.Config{
//		Redis: rdb,
//		Key:   "exports",
//		Limit: 10, // at most 10 exports cluster-wide
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sem.Close()
//
//	if err := sem.Acquire(ctx); err != nil {
//		return err
//	}
//	defer sem.Release(ctx)
//
// # Combining with a local limiter
//
// Guard adapts a task so it holds a global slot while it runs:
//
//	limiter, _ := concurrency.NewLimiter(4)
//	f := concurrency.Submit(limiter, distributed.Guard(ctx, sem, export))
//
// # Leases
//
// Every slot is a lease stored in a Redis sorted set and scored by its expiry
// time. A background goroutine renews the leases of the instance every
// LeaseTTL/3. Leases of an instance that crashed expire after LeaseTTL and
// their slots become available again. Close releases every slot the instance
// still holds.
//
// All Redis state changes run as Lua scripts, so acquisition is atomic across
// instances.
//
// # Redis Keys
//
// For a semaphore with Key "exports":
//
//   - exports:holders   - sorted set of live leases
//   - exports:stats     - hash of acquired/denied/released counters and the limit
//   - exports:instances - set of registered instance IDs
//
// # Errors
//
// Configuration problems are reported as *ConfigError and Redis failures as
// *RedisError, which unwraps to the underlying client error. Calling Release
// without a held slot returns an error wrapping ErrNotHeld.
package distributed

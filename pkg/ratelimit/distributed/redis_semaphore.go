package distributed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	gfcontext "github.com/vnykmshr/flowlimit/pkg/common/context"
	gferrors "github.com/vnykmshr/flowlimit/pkg/common/errors"
)

// ErrNotHeld is returned by Release when this instance holds no slot.
var ErrNotHeld = errors.New("no slot held by this instance")

// redisSemaphore implements Semaphore with a Redis sorted set of leases
// scored by their expiry time.
type redisSemaphore struct {
	config Config
	keys   semaphoreKeys

	// Lua scripts for atomic semaphore operations
	acquireScript *redis.Script
	releaseScript *redis.Script
	renewScript   *redis.Script

	mu     sync.Mutex
	held   []string
	seq    uint64
	closed bool

	stop chan struct{}
	done chan struct{}
}

// newRedisSemaphore creates a semaphore, registers the instance and starts
// renewing its leases.
func newRedisSemaphore(config Config) (*redisSemaphore, error) {
	rs := &redisSemaphore{
		config: config,
		keys:   redisKeys(config.Key),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	rs.acquireScript = redis.NewScript(luaAcquire)
	rs.releaseScript = redis.NewScript(luaRelease)
	rs.renewScript = redis.NewScript(luaRenew)

	if err := rs.register(context.Background()); err != nil {
		return nil, err
	}

	go rs.renewLoop()

	return rs, nil
}

// register adds this instance to the active instances set.
func (rs *redisSemaphore) register(ctx context.Context) error {
	ctx, cancel := gfcontext.WithTimeoutOrCancel(ctx, rs.config.RedisTimeout)
	defer cancel()

	pipe := rs.config.Redis.Pipeline()
	pipe.SAdd(ctx, rs.keys.instances, rs.config.InstanceID)
	pipe.Expire(ctx, rs.keys.instances, rs.config.KeyTTL)
	pipe.HSetNX(ctx, rs.keys.stats, "limit", rs.config.Limit)
	pipe.Expire(ctx, rs.keys.stats, rs.config.KeyTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return &RedisError{"register", err}
	}
	return nil
}

// TryAcquire takes a global slot if fewer than Limit leases are alive.
func (rs *redisSemaphore) TryAcquire(ctx context.Context) (bool, error) {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return false, gferrors.ErrClosed
	}
	rs.seq++
	member := leaseMember(rs.config.InstanceID, rs.seq)
	rs.mu.Unlock()

	ctx, cancel := gfcontext.WithTimeoutOrCancel(ctx, rs.config.RedisTimeout)
	defer cancel()

	now := time.Now()
	result, err := rs.acquireScript.Run(ctx, rs.config.Redis,
		[]string{rs.keys.holders, rs.keys.stats},
		rs.config.Limit,                       // slots
		toMillis(now),                         // current time
		toMillis(now.Add(rs.config.LeaseTTL)), // lease expiry
		member,                                // lease name
		rs.config.KeyTTL.Milliseconds(),       // key ttl
	).Int64Slice()
	if err != nil {
		rs.record("error")
		return false, &RedisError{"acquire", err}
	}

	// Script result: [acquired, held]
	if len(result) != 2 || result[0] != 1 {
		rs.record("denied")
		return false, nil
	}

	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		_ = rs.release(context.Background(), member)
		return false, gferrors.ErrClosed
	}
	rs.held = append(rs.held, member)
	rs.mu.Unlock()

	rs.record("acquired")
	return true, nil
}

// Acquire polls TryAcquire every PollInterval until it succeeds.
func (rs *redisSemaphore) Acquire(ctx context.Context) error {
	ticker := time.NewTicker(rs.config.PollInterval)
	defer ticker.Stop()

	for {
		ok, err := rs.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release gives back the most recently acquired slot of this instance.
func (rs *redisSemaphore) Release(ctx context.Context) error {
	rs.mu.Lock()
	if len(rs.held) == 0 {
		rs.mu.Unlock()
		return gferrors.NewOperationError("distributed", "release", ErrNotHeld).
			WithContext("key=" + rs.config.Key)
	}
	member := rs.held[len(rs.held)-1]
	rs.held = rs.held[:len(rs.held)-1]
	rs.mu.Unlock()

	return rs.release(ctx, member)
}

// release removes members from the holders set.
func (rs *redisSemaphore) release(ctx context.Context, members ...string) error {
	if len(members) == 0 {
		return nil
	}

	ctx, cancel := gfcontext.WithTimeoutOrCancel(ctx, rs.config.RedisTimeout)
	defer cancel()

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}

	err := rs.releaseScript.Run(ctx, rs.config.Redis,
		[]string{rs.keys.holders, rs.keys.stats}, args...).Err()
	if err != nil {
		return &RedisError{"release", err}
	}
	return nil
}

// renewLoop pushes back the expiry of every lease this instance holds.
func (rs *redisSemaphore) renewLoop() {
	defer close(rs.done)

	interval := rs.config.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rs.stop:
			return
		case <-ticker.C:
			_ = rs.renew(context.Background())
		}
	}
}

// renew extends all leases held by this instance. Leases that already
// expired are not restored.
func (rs *redisSemaphore) renew(ctx context.Context) error {
	rs.mu.Lock()
	members := append([]string(nil), rs.held...)
	rs.mu.Unlock()

	if len(members) == 0 {
		return nil
	}

	ctx, cancel := gfcontext.WithTimeoutOrCancel(ctx, rs.config.RedisTimeout)
	defer cancel()

	args := make([]interface{}, 0, len(members)+2)
	args = append(args, toMillis(time.Now().Add(rs.config.LeaseTTL)), rs.config.KeyTTL.Milliseconds())
	for _, m := range members {
		args = append(args, m)
	}

	err := rs.renewScript.Run(ctx, rs.config.Redis, []string{rs.keys.holders}, args...).Err()
	if err != nil {
		return &RedisError{"renew", err}
	}
	return nil
}

// Stats returns current semaphore statistics. Expired leases are not counted.
func (rs *redisSemaphore) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := gfcontext.WithTimeoutOrCancel(ctx, rs.config.RedisTimeout)
	defer cancel()

	pipe := rs.config.Redis.Pipeline()

	holdersCmd := pipe.ZRangeByScore(ctx, rs.keys.holders, &redis.ZRangeBy{
		Min: "(" + formatInt(toMillis(time.Now())),
		Max: "+inf",
	})
	statsCmd := pipe.HGetAll(ctx, rs.keys.stats)
	instancesCmd := pipe.SMembers(ctx, rs.keys.instances)

	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, &RedisError{"stats", err}
	}

	holders := holdersCmd.Val()
	byInstance := make(map[string]int)
	for _, m := range holders {
		byInstance[leaseOwner(m)]++
	}

	statsMap := statsCmd.Val()
	limit := parseInt(statsMap["limit"])
	if limit == 0 {
		limit = int64(rs.config.Limit)
	}

	return &Stats{
		Limit:           int(limit),
		Held:            len(holders),
		HeldByInstance:  byInstance,
		Acquired:        parseInt(statsMap["acquired"]),
		Denied:          parseInt(statsMap["denied"]),
		Released:        parseInt(statsMap["released"]),
		ActiveInstances: instancesCmd.Val(),
	}, nil
}

// Reset clears the semaphore state and forgets the slots held locally.
func (rs *redisSemaphore) Reset(ctx context.Context) error {
	rs.mu.Lock()
	rs.held = nil
	rs.mu.Unlock()

	tctx, cancel := gfcontext.WithTimeoutOrCancel(ctx, rs.config.RedisTimeout)
	defer cancel()

	if err := rs.config.Redis.Del(tctx, rs.keys.all()...).Err(); err != nil {
		return &RedisError{"reset", err}
	}

	// Reinitialize
	return rs.register(ctx)
}

// Close releases the slots held by this instance and unregisters it.
func (rs *redisSemaphore) Close() error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return nil
	}
	rs.closed = true
	members := rs.held
	rs.held = nil
	rs.mu.Unlock()

	close(rs.stop)
	<-rs.done

	releaseErr := rs.release(context.Background(), members...)

	ctx, cancel := gfcontext.WithTimeoutOrCancel(context.Background(), rs.config.RedisTimeout)
	defer cancel()

	if err := rs.config.Redis.SRem(ctx, rs.keys.instances, rs.config.InstanceID).Err(); err != nil {
		return &RedisError{"close", err}
	}
	return releaseErr
}

func (rs *redisSemaphore) record(result string) {
	if rs.config.Metrics == nil {
		return
	}
	rs.config.Metrics.DistributedAcquire.WithLabelValues(rs.config.Key, result).Inc()
}

// Lua scripts for atomic operations
const luaAcquire = `
-- KEYS[1]: holders sorted set (member = lease, score = expiry ms)
-- KEYS[2]: stats hash
-- ARGV[1]: slots
-- ARGV[2]: current time ms
-- ARGV[3]: lease expiry ms
-- ARGV[4]: lease member
-- ARGV[5]: key ttl ms

local holders_key = KEYS[1]
local stats_key = KEYS[2]

local slots = tonumber(ARGV[1])
local now = tonumber(ARGV[2])

-- Drop leases of instances that stopped renewing
redis.call('ZREMRANGEBYSCORE', holders_key, '-inf', now)

local held = redis.call('ZCARD', holders_key)

if held < slots then
    redis.call('ZADD', holders_key, ARGV[3], ARGV[4])
    redis.call('PEXPIRE', holders_key, ARGV[5])
    redis.call('HINCRBY', stats_key, 'acquired', 1)
    redis.call('PEXPIRE', stats_key, ARGV[5])
    return {1, held + 1}
end

redis.call('HINCRBY', stats_key, 'denied', 1)
return {0, held}
`

const luaRelease = `
-- KEYS[1]: holders sorted set
-- KEYS[2]: stats hash
-- ARGV: lease members

local removed = 0
for i = 1, #ARGV do
    removed = removed + redis.call('ZREM', KEYS[1], ARGV[i])
end

if removed > 0 then
    redis.call('HINCRBY', KEYS[2], 'released', removed)
end

return removed
`

const luaRenew = `
-- KEYS[1]: holders sorted set
-- ARGV[1]: new expiry ms
-- ARGV[2]: key ttl ms
-- ARGV[3..]: lease members

local renewed = 0
for i = 3, #ARGV do
    if redis.call('ZSCORE', KEYS[1], ARGV[i]) then
        redis.call('ZADD', KEYS[1], ARGV[1], ARGV[i])
        renewed = renewed + 1
    end
end

if renewed > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end

return renewed
`

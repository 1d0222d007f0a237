package distributed

import (
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateInstanceID creates a unique identifier for this application instance.
func generateInstanceID() string {
	hostname, _ := os.Hostname()
	pid := os.Getpid()

	// Add random bytes for uniqueness
	randomBytes := make([]byte, 4)
	_, _ = rand.Read(randomBytes)

	return fmt.Sprintf("%s-%d-%x-%d",
		hostname, pid, randomBytes, time.Now().Unix())
}

// semaphoreKeys holds the Redis keys used by one semaphore.
type semaphoreKeys struct {
	holders   string
	stats     string
	instances string
}

// redisKeys generates Redis keys for different data structures.
func redisKeys(prefix string) semaphoreKeys {
	return semaphoreKeys{
		holders:   prefix + ":holders",
		stats:     prefix + ":stats",
		instances: prefix + ":instances",
	}
}

func (k semaphoreKeys) all() []string {
	return []string{k.holders, k.stats, k.instances}
}

// leaseMember names one slot held by instanceID.
func leaseMember(instanceID string, seq uint64) string {
	return fmt.Sprintf("%s#%d", instanceID, seq)
}

// leaseOwner returns the instance that holds member.
func leaseOwner(member string) string {
	if i := strings.LastIndexByte(member, '#'); i >= 0 {
		return member[:i]
	}
	return member
}

// toMillis converts t to Unix milliseconds for Redis sorted set scores.
func toMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}

// parseInt parses a Redis counter, treating missing values as zero.
func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

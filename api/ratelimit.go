package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"gitlab.com/arcanecrypto/vendcoil/api/apierr"
	"gitlab.com/arcanecrypto/vendcoil/api/auth"
)

// how long a bucket can sit untouched before the sweep drops it
const limiterIdleEviction = 10 * time.Minute

// rateLimiter caps how often a single caller can hit an endpoint. Every key
// gets its own token bucket holding a minute's worth of requests, refilled
// continuously.
type rateLimiter struct {
	limiters  sync.Map
	perMinute int
}

type limiterEntry struct {
	limiter *rate.Limiter
	// Unix timestamp in nanoseconds, touched on every request
	lastAccess int64
}

// newRateLimiter returns a limiter allowing perMinute requests per key, and
// starts the eviction sweep that drops idle buckets.
func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	rl := &rateLimiter{perMinute: perMinute}
	go rl.evictIdle()
	return rl
}

func (rl *rateLimiter) evictIdle() {
	ticker := time.NewTicker(limiterIdleEviction / 2)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		rl.limiters.Range(func(key, value interface{}) bool {
			entry := value.(*limiterEntry)
			if now.Sub(time.Unix(0, atomic.LoadInt64(&entry.lastAccess))) > limiterIdleEviction {
				rl.limiters.Delete(key)
			}
			return true
		})
	}
}

func (rl *rateLimiter) getLimiter(key string) *rate.Limiter {
	if val, ok := rl.limiters.Load(key); ok {
		entry := val.(*limiterEntry)
		atomic.StoreInt64(&entry.lastAccess, time.Now().UnixNano())
		return entry.limiter
	}

	entry := &limiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60), rl.perMinute),
		lastAccess: time.Now().UnixNano(),
	}
	// racing creates for the same key keep whichever got stored first
	actual, _ := rl.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry).limiter
}

// allow takes a token from the bucket for key. When the bucket is drained it
// fails the request with 429 and a Retry-After header saying when the next
// token frees up.
func (rl *rateLimiter) allow(c *gin.Context, key string) bool {
	reservation := rl.getLimiter(key).Reserve()
	delay := reservation.Delay()
	if delay == 0 {
		return true
	}
	reservation.Cancel()

	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
	apierr.Public(c, http.StatusTooManyRequests, apierr.ErrTooManyRequests)
	return false
}

// byIP keys buckets on the caller IP. Used for the token endpoint, where the
// caller isn't authenticated yet.
func (rl *rateLimiter) byIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		rl.allow(c, "ip:"+c.ClientIP())
	}
}

// byClient keys buckets on the authenticated client, so kiosks behind a
// shared NAT don't eat each other's quota. Must run behind the auth
// middleware.
func (rl *rateLimiter) byClient() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if clientID, ok := auth.ClientID(c); ok {
			key = "client:" + clientID.String()
		}
		rl.allow(c, key)
	}
}

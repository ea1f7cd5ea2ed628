// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL = 10 * time.Minute
	limiterShards  = 32
)

// RateLimiter throttles requests per client address with a token bucket.
// Addresses the cache refuses to admit share the overflow bucket.
type RateLimiter struct {
	limiters *ristretto.Cache
	shards   [limiterShards]sync.Mutex
	overflow *rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter returns nil when rps is not positive, which disables limiting.
func NewRateLimiter(rps float64, burst int) (*RateLimiter, error) {
	if rps <= 0 {
		return nil, nil
	}
	if burst < 1 {
		burst = int(math.Ceil(rps))
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter cache: %w", err)
	}

	return &RateLimiter{
		limiters: cache,
		overflow: rate.NewLimiter(rate.Limit(rps), burst),
		rps:      rate.Limit(rps),
		burst:    burst,
	}, nil
}

func (rl *RateLimiter) Close() {
	if rl == nil {
		return
	}
	rl.limiters.Close()
}

// Handler is a no-op on a nil limiter.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	if rl == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r)
		limiter := rl.limiterFor(addr)

		if !limiter.Allow() {
			log.Warn().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", addr).
				Msg("Rate limit exceeded")

			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfterSeconds()))
			respondStatus(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) limiterFor(addr string) *rate.Limiter {
	mu := &rl.shards[shardFor(addr)]
	mu.Lock()
	defer mu.Unlock()

	if v, ok := rl.limiters.Get(addr); ok {
		if limiter, ok := v.(*rate.Limiter); ok {
			rl.limiters.SetWithTTL(addr, limiter, 1, limiterIdleTTL)
			return limiter
		}
	}

	limiter := rate.NewLimiter(rl.rps, rl.burst)
	rl.limiters.SetWithTTL(addr, limiter, 1, limiterIdleTTL)
	rl.limiters.Wait()

	if _, ok := rl.limiters.Get(addr); !ok {
		log.Debug().Str("remote_addr", addr).Msg("Rate limiter cache full, using overflow bucket")
		return rl.overflow
	}
	return limiter
}

func shardFor(addr string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(addr))
	return h.Sum32() % limiterShards
}

// retryAfterSeconds is the time for one token to refill, rounded up.
func (rl *RateLimiter) retryAfterSeconds() int {
	return int(math.Ceil(1 / float64(rl.rps)))
}

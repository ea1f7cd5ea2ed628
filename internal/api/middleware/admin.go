// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/hwkey/internal/auth"
)

// AdminGuard checks the {secret} URL parameter and locks out addresses that
// keep presenting a wrong one.
type AdminGuard struct {
	verifier    *auth.SecretVerifier
	failures    *ristretto.Cache
	maxFailures int
	lockout     time.Duration
}

// NewAdminGuard creates a guard. A non-positive maxFailures or lockout disables
// the lockout.
func NewAdminGuard(verifier *auth.SecretVerifier, maxFailures int, lockout time.Duration) (*AdminGuard, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lockout cache: %w", err)
	}

	return &AdminGuard{
		verifier:    verifier,
		failures:    cache,
		maxFailures: maxFailures,
		lockout:     lockout,
	}, nil
}

func (g *AdminGuard) Close() {
	g.failures.Close()
}

// RequireSecret must wrap a route whose pattern contains {secret}.
func (g *AdminGuard) RequireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r)

		if g.lockedOut(addr) {
			log.Warn().Str("remote_addr", addr).Msg("Admin request rejected, address locked out")
			respondStatus(w, http.StatusTooManyRequests, "too many failed attempts")
			return
		}

		if err := g.verifier.Verify(chi.URLParam(r, "secret")); err != nil {
			if errors.Is(err, auth.ErrAdminSecretUnset) {
				log.Warn().Msg("Admin request rejected, no admin secret configured")
			} else {
				log.Warn().Str("remote_addr", addr).Msg("Admin request rejected, invalid secret")
			}
			g.recordFailure(addr)
			respondStatus(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		g.failures.Del(addr)
		next.ServeHTTP(w, r)
	})
}

func (g *AdminGuard) lockoutEnabled() bool {
	return g.maxFailures > 0 && g.lockout > 0
}

func (g *AdminGuard) lockedOut(addr string) bool {
	if !g.lockoutEnabled() {
		return false
	}
	v, ok := g.failures.Get(addr)
	if !ok {
		return false
	}
	count, _ := v.(int)
	return count >= g.maxFailures
}

func (g *AdminGuard) recordFailure(addr string) {
	if !g.lockoutEnabled() {
		return
	}
	count := 0
	if v, ok := g.failures.Get(addr); ok {
		count, _ = v.(int)
	}
	g.failures.SetWithTTL(addr, count+1, 1, g.lockout)
	g.failures.Wait()
}

// clientAddr returns the request address without its port. RealIP runs
// earlier in the chain and rewrites RemoteAddr from proxy headers.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func respondStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/hwkey/internal/models"
)

const (
	DefaultExpiredRetention = 180 * 24 * time.Hour
	DefaultUnusedRetention  = 7 * 24 * time.Hour
)

type SweepReport struct {
	ExpiredDeleted int64 `json:"expiredDeleted"`
	UnusedDeleted  int64 `json:"unusedDeleted"`
}

func (r SweepReport) String() string {
	return fmt.Sprintf("deleted %d expired and %d unused licenses", r.ExpiredDeleted, r.UnusedDeleted)
}

// Sweeper deletes licenses that expired long ago and licenses that were
// issued but never activated.
type Sweeper struct {
	store            Store
	expiredRetention time.Duration
	unusedRetention  time.Duration
	onSweep          func(SweepReport)
}

type SweeperOption func(*Sweeper)

// WithRetention overrides the retention windows. Non-positive values keep the default.
func WithRetention(expired, unused time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if expired > 0 {
			s.expiredRetention = expired
		}
		if unused > 0 {
			s.unusedRetention = unused
		}
	}
}

// WithSweepHook registers a callback invoked after every successful sweep.
func WithSweepHook(fn func(SweepReport)) SweeperOption {
	return func(s *Sweeper) {
		s.onSweep = fn
	}
}

func NewSweeper(store Store, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:            store,
		expiredRetention: DefaultExpiredRetention,
		unusedRetention:  DefaultUnusedRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs both retention predicates against now.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport

	expiredCutoff := now.Add(-s.expiredRetention)
	expired, err := s.store.DeleteMany(ctx, models.LicenseFilter{
		Status:        models.LicenseStatusExpired,
		ExpiresBefore: &expiredCutoff,
	})
	if err != nil {
		return report, fmt.Errorf("failed to delete stale expired licenses: %w", err)
	}
	report.ExpiredDeleted = expired

	unusedCutoff := now.Add(-s.unusedRetention)
	unused, err := s.store.DeleteMany(ctx, models.LicenseFilter{
		HWIDAbsent:    true,
		CreatedBefore: &unusedCutoff,
	})
	if err != nil {
		return report, fmt.Errorf("failed to delete unused licenses: %w", err)
	}
	report.UnusedDeleted = unused

	log.Info().
		Int64("expiredDeleted", report.ExpiredDeleted).
		Int64("unusedDeleted", report.UnusedDeleted).
		Msg("License retention sweep finished")

	if s.onSweep != nil {
		s.onSweep(report)
	}

	return report, nil
}

// Run sweeps every interval until ctx is cancelled. A non-positive interval returns immediately.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		log.Debug().Msg("Scheduled retention sweep disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Scheduled retention sweep started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx, time.Now()); err != nil {
				log.Error().Err(err).Msg("Scheduled retention sweep failed")
			}
		}
	}
}

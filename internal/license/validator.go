// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package license implements the license key state machine: first-use HWID
// binding, lazy expiry, revocation checks and the retention sweep.
package license

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/hwkey/internal/models"
)

// Store is the persistence contract the validator and sweeper depend on.
// *models.LicenseStore satisfies it.
type Store interface {
	GetByKey(ctx context.Context, licenseKey string) (*models.License, error)
	CompareAndSetHWID(ctx context.Context, licenseKey, hwid string, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, licenseKey string) error
	DeleteMany(ctx context.Context, filter models.LicenseFilter) (int64, error)
}

type Decision int

const (
	DecisionNotFound Decision = iota
	DecisionForbidden
	DecisionActivated
	DecisionValid
)

func (d Decision) String() string {
	switch d {
	case DecisionNotFound:
		return "not_found"
	case DecisionForbidden:
		return "forbidden"
	case DecisionActivated:
		return "activated"
	case DecisionValid:
		return "valid"
	default:
		return "unknown"
	}
}

// Reason qualifies a forbidden decision.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonRevoked      Reason = "revoked"
	ReasonExpired      Reason = "expired"
	ReasonHWIDMismatch Reason = "hwid-mismatch"
)

// Outcome is the result of a validation. ExpiresAt is only meaningful for
// DecisionActivated, where nil marks a perpetual license.
type Outcome struct {
	Decision  Decision
	Reason    Reason
	ExpiresAt *time.Time
}

// OK reports whether the caller may run.
func (o Outcome) OK() bool {
	return o.Decision == DecisionActivated || o.Decision == DecisionValid
}

func notFound() Outcome {
	return Outcome{Decision: DecisionNotFound}
}

func forbidden(reason Reason) Outcome {
	return Outcome{Decision: DecisionForbidden, Reason: reason}
}

type Validator struct {
	store Store
}

func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// Validate runs the decision chain for licenseKey presented from hwid at now.
// The returned error is only set for storage failures.
func (v *Validator) Validate(ctx context.Context, licenseKey, hwid string, now time.Time) (Outcome, error) {
	record, err := v.store.GetByKey(ctx, licenseKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to look up license: %w", err)
	}
	if record == nil {
		return notFound(), nil
	}

	if record.Status == models.LicenseStatusRevoked {
		return forbidden(ReasonRevoked), nil
	}

	if record.IsExpiredAt(now) {
		if record.Status != models.LicenseStatusExpired {
			if err := v.store.MarkExpired(ctx, licenseKey); err != nil {
				return Outcome{}, err
			}
			log.Info().
				Str("licenseKey", MaskKey(licenseKey)).
				Time("expiresAt", *record.ExpiresAt).
				Msg("License expired")
		}
		return forbidden(ReasonExpired), nil
	}

	// Status may say expired even though expiresAt does not; trust the status.
	if record.Status == models.LicenseStatusExpired {
		return forbidden(ReasonExpired), nil
	}

	if !record.IsBound() {
		return v.activate(ctx, record, hwid, now)
	}

	if *record.HWID == hwid {
		return Outcome{Decision: DecisionValid}, nil
	}

	return forbidden(ReasonHWIDMismatch), nil
}

func (v *Validator) activate(ctx context.Context, record *models.License, hwid string, now time.Time) (Outcome, error) {
	won, err := v.store.CompareAndSetHWID(ctx, record.LicenseKey, hwid, now)
	if err != nil {
		return Outcome{}, err
	}

	if won {
		log.Info().
			Str("licenseKey", MaskKey(record.LicenseKey)).
			Msg("License activated")
		return Outcome{Decision: DecisionActivated, ExpiresAt: record.ExpiresAt}, nil
	}

	// Lost the bind to a concurrent activation; report against whatever got bound.
	current, err := v.store.GetByKey(ctx, record.LicenseKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to re-read license after bind race: %w", err)
	}
	if current == nil {
		return notFound(), nil
	}
	if current.HWID != nil && *current.HWID == hwid {
		return Outcome{Decision: DecisionValid}, nil
	}

	log.Debug().
		Str("licenseKey", MaskKey(record.LicenseKey)).
		Msg("Lost activation race to another machine")

	return forbidden(ReasonHWIDMismatch), nil
}

// MaskKey shortens a license key for log output.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "***"
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package license

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/hwkey/internal/models"
)

var ErrExpiryNotInFuture = errors.New("expiry is not in the future")

// AdminStore is the persistence contract for administrative provisioning.
type AdminStore interface {
	Create(ctx context.Context, license *models.License) error
	Revoke(ctx context.Context, licenseKey string) error
	List(ctx context.Context) ([]*models.License, error)
}

type IssueRequest struct {
	CustomerInfo string
	ExpiresAt    *time.Time
}

type Issuer struct {
	store  AdminStore
	newKey func() string
}

func NewIssuer(store AdminStore) *Issuer {
	return &Issuer{
		store:  store,
		newKey: NewKey,
	}
}

// NewKey returns a random UUIDv4 license key.
func NewKey() string {
	return uuid.NewString()
}

// Issue creates an active, unbound license.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest, now time.Time) (*models.License, error) {
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%s: %w", req.ExpiresAt.Format(time.RFC3339), ErrExpiryNotInFuture)
	}

	license := &models.License{
		LicenseKey: i.newKey(),
		Status:     models.LicenseStatusActive,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  now,
	}
	if info := strings.TrimSpace(req.CustomerInfo); info != "" {
		license.CustomerInfo = &info
	}

	if err := i.store.Create(ctx, license); err != nil {
		return nil, err
	}

	log.Info().
		Str("licenseKey", MaskKey(license.LicenseKey)).
		Bool("perpetual", license.ExpiresAt == nil).
		Msg("License issued")

	return license, nil
}

func (i *Issuer) Revoke(ctx context.Context, licenseKey string) error {
	if err := i.store.Revoke(ctx, licenseKey); err != nil {
		return err
	}

	log.Info().Str("licenseKey", MaskKey(licenseKey)).Msg("License revoked")
	return nil
}

// List returns all licenses, narrowed to those whose customer info fuzzy-matches
// search when search is non-empty.
func (i *Issuer) List(ctx context.Context, search string) ([]*models.License, error) {
	licenses, err := i.store.List(ctx)
	if err != nil {
		return nil, err
	}

	search = strings.TrimSpace(search)
	if search == "" {
		return licenses, nil
	}

	var matched []*models.License
	for _, l := range licenses {
		if strings.EqualFold(search, l.LicenseKey) ||
			(l.CustomerInfo != nil && fuzzy.MatchNormalizedFold(search, *l.CustomerInfo)) {
			matched = append(matched, l)
		}
	}

	return matched, nil
}

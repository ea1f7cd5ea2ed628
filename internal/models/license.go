// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLicenseNotFound     = errors.New("license not found")
	ErrLicenseNotRevocable = errors.New("license is not active and cannot be revoked")
	ErrEmptyFilter         = errors.New("refusing to delete with an empty filter")
)

// LicenseStatus constants
const (
	LicenseStatusActive  = "active"
	LicenseStatusRevoked = "revoked"
	LicenseStatusExpired = "expired"
)

// License represents an issued license key in the database
type License struct {
	ID           int        `json:"id"`
	LicenseKey   string     `json:"licenseKey"`
	HWID         *string    `json:"hwid,omitempty"`
	Status       string     `json:"status"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	CustomerInfo *string    `json:"customerInfo,omitempty"`
	ActivatedAt  *time.Time `json:"activatedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// IsBound reports whether a hardware id has been bound to the license.
func (l *License) IsBound() bool {
	return l.HWID != nil
}

// IsExpiredAt reports whether the expiry instant lies strictly before now.
// Perpetual licenses never expire.
func (l *License) IsExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// LicenseFilter selects licenses for bulk deletion. Set fields are AND-combined.
type LicenseFilter struct {
	Status        string
	ExpiresBefore *time.Time
	CreatedBefore *time.Time
	HWIDAbsent    bool
}

func (f LicenseFilter) where() (string, []any, error) {
	var clauses []string
	var args []any

	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.ExpiresBefore != nil {
		clauses = append(clauses, "expires_at IS NOT NULL AND expires_at < ?")
		args = append(args, f.ExpiresBefore.UTC())
	}
	if f.CreatedBefore != nil {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.CreatedBefore.UTC())
	}
	if f.HWIDAbsent {
		clauses = append(clauses, "hwid IS NULL")
	}

	if len(clauses) == 0 {
		return "", nil, ErrEmptyFilter
	}

	return strings.Join(clauses, " AND "), args, nil
}

type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

const licenseColumns = `id, license_key, hwid, status, expires_at, customer_info, activated_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (*License, error) {
	license := &License{}

	var (
		hwid         sql.Null[string]
		customerInfo sql.Null[string]
		expiresAt    sql.NullTime
		activatedAt  sql.NullTime
	)

	err := row.Scan(
		&license.ID,
		&license.LicenseKey,
		&hwid,
		&license.Status,
		&expiresAt,
		&customerInfo,
		&activatedAt,
		&license.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if hwid.Valid {
		license.HWID = &hwid.V
	}
	if customerInfo.Valid {
		license.CustomerInfo = &customerInfo.V
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		license.ExpiresAt = &t
	}
	if activatedAt.Valid {
		t := activatedAt.Time.UTC()
		license.ActivatedAt = &t
	}
	license.CreatedAt = license.CreatedAt.UTC()

	return license, nil
}

// Create inserts a new license. ID is populated from the database.
func (s *LicenseStore) Create(ctx context.Context, license *License) error {
	if license.Status == "" {
		license.Status = LicenseStatusActive
	}
	if license.CreatedAt.IsZero() {
		license.CreatedAt = time.Now()
	}
	license.CreatedAt = license.CreatedAt.UTC()

	query := `
		INSERT INTO licenses (license_key, hwid, status, expires_at, customer_info, activated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	err := s.db.QueryRowContext(ctx, query,
		license.LicenseKey,
		stringToNull(license.HWID),
		license.Status,
		timeToNullTime(license.ExpiresAt),
		stringToNull(license.CustomerInfo),
		timeToNullTime(license.ActivatedAt),
		license.CreatedAt,
	).Scan(&license.ID)
	if err != nil {
		return fmt.Errorf("failed to insert license: %w", err)
	}

	return nil
}

// GetByKey returns the license with the given key, or nil when no such key exists.
func (s *LicenseStore) GetByKey(ctx context.Context, licenseKey string) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = ?`

	license, err := scanLicense(s.db.QueryRowContext(ctx, query, licenseKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get license: %w", err)
	}

	return license, nil
}

// List returns all licenses, newest first.
func (s *LicenseStore) List(ctx context.Context) ([]*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	defer rows.Close()

	var licenses []*License
	for rows.Next() {
		license, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, license)
	}

	return licenses, rows.Err()
}

// CompareAndSetHWID binds hwid to the license only if no hwid is bound yet.
// It returns true when this call performed the binding.
func (s *LicenseStore) CompareAndSetHWID(ctx context.Context, licenseKey, hwid string, at time.Time) (bool, error) {
	query := `UPDATE licenses SET hwid = ?, activated_at = ? WHERE license_key = ? AND hwid IS NULL`

	result, err := s.db.ExecContext(ctx, query, hwid, at.UTC(), licenseKey)
	if err != nil {
		return false, fmt.Errorf("failed to bind hwid: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}

// MarkExpired moves an active license to expired. Calling it again is a no-op.
func (s *LicenseStore) MarkExpired(ctx context.Context, licenseKey string) error {
	query := `UPDATE licenses SET status = ? WHERE license_key = ? AND status = ?`

	if _, err := s.db.ExecContext(ctx, query, LicenseStatusExpired, licenseKey, LicenseStatusActive); err != nil {
		return fmt.Errorf("failed to mark license expired: %w", err)
	}

	return nil
}

// Revoke moves an active license to revoked. Revoking a revoked license is a no-op.
func (s *LicenseStore) Revoke(ctx context.Context, licenseKey string) error {
	query := `UPDATE licenses SET status = ? WHERE license_key = ? AND status = ?`

	result, err := s.db.ExecContext(ctx, query, LicenseStatusRevoked, licenseKey, LicenseStatusActive)
	if err != nil {
		return fmt.Errorf("failed to revoke license: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 1 {
		return nil
	}

	license, err := s.GetByKey(ctx, licenseKey)
	if err != nil {
		return err
	}

	switch {
	case license == nil:
		return ErrLicenseNotFound
	case license.Status == LicenseStatusRevoked:
		return nil
	default:
		return ErrLicenseNotRevocable
	}
}

// DeleteMany permanently deletes every license matching the filter and returns the count.
func (s *LicenseStore) DeleteMany(ctx context.Context, filter LicenseFilter) (int64, error) {
	where, args, err := filter.where()
	if err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM licenses WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete licenses: %w", err)
	}

	return result.RowsAffected()
}

// CountByStatus returns the number of licenses per status.
func (s *LicenseStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM licenses GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count licenses: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{
		LicenseStatusActive:  0,
		LicenseStatusRevoked: 0,
		LicenseStatusExpired: 0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func stringToNull(s *string) sql.Null[string] {
	if s == nil {
		return sql.Null[string]{}
	}
	return sql.Null[string]{V: *s, Valid: true}
}

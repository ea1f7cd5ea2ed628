// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package licenseclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/hwkey/internal/api"
	apimiddleware "github.com/autobrr/hwkey/internal/api/middleware"
	"github.com/autobrr/hwkey/internal/auth"
	"github.com/autobrr/hwkey/internal/database"
	"github.com/autobrr/hwkey/internal/license"
	"github.com/autobrr/hwkey/internal/models"
)

const testSecret = "client-test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *models.LicenseStore) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "hwkey.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := models.NewLicenseStore(db.Conn())

	guard, err := apimiddleware.NewAdminGuard(auth.NewSecretVerifier(testSecret), 0, 0)
	require.NoError(t, err)
	t.Cleanup(guard.Close)

	srv := httptest.NewServer(api.NewRouter(&api.Dependencies{
		Validator:  license.NewValidator(store),
		Sweeper:    license.NewSweeper(store),
		Issuer:     license.NewIssuer(store),
		AdminGuard: guard,
	}))
	t.Cleanup(srv.Close)

	return srv, store
}

func newTestClient(host, secret string) *Client {
	return New(Config{
		Host:        host,
		AdminSecret: secret,
		Attempts:    3,
		RetryDelay:  time.Millisecond,
	})
}

func TestClient_Lifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	client := newTestClient(srv.URL+"/", testSecret)
	ctx := t.Context()

	expiresAt := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)
	issued, err := client.Issue(ctx, IssueRequest{CustomerInfo: "acme", ExpiresAt: &expiresAt})
	require.NoError(t, err)
	require.NotEmpty(t, issued.LicenseKey)
	assert.Equal(t, "active", issued.Status)
	require.NotNil(t, issued.CustomerInfo)
	assert.Equal(t, "acme", *issued.CustomerInfo)

	first, err := client.Validate(ctx, issued.LicenseKey, "HW-A")
	require.NoError(t, err)
	assert.True(t, first.Activated())
	require.NotNil(t, first.ExpiresAt)
	assert.True(t, expiresAt.Equal(*first.ExpiresAt))

	again, err := client.Validate(ctx, issued.LicenseKey, "HW-A")
	require.NoError(t, err)
	assert.False(t, again.Activated())
	assert.Equal(t, "Validation successful.", again.Message)

	_, err = client.Validate(ctx, issued.LicenseKey, "HW-B")
	assert.ErrorIs(t, err, ErrHWIDMismatch)

	require.NoError(t, client.Revoke(ctx, issued.LicenseKey))

	_, err = client.Validate(ctx, issued.LicenseKey, "HW-A")
	assert.ErrorIs(t, err, ErrLicenseRevoked)
}

func TestClient_Rejections(t *testing.T) {
	srv, store := newTestServer(t)
	client := newTestClient(srv.URL, testSecret)
	ctx := t.Context()

	past := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, store.Create(ctx, &models.License{LicenseKey: "lapsed", Status: models.LicenseStatusExpired, ExpiresAt: &past, CreatedAt: past}))

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{
			name: "unknown_key",
			call: func() error {
				_, err := client.Validate(ctx, "missing", "HW")
				return err
			},
			wantErr: ErrLicenseNotFound,
		},
		{
			name: "expired_key",
			call: func() error {
				_, err := client.Validate(ctx, "lapsed", "HW")
				return err
			},
			wantErr: ErrLicenseExpired,
		},
		{
			name:    "revoke_expired",
			call:    func() error { return client.Revoke(ctx, "lapsed") },
			wantErr: ErrNotRevocable,
		},
		{
			name:    "revoke_unknown",
			call:    func() error { return client.Revoke(ctx, "missing") },
			wantErr: ErrLicenseNotFound,
		},
		{
			name:    "wrong_secret",
			call:    func() error { return newTestClient(srv.URL, "nope").Revoke(ctx, "lapsed") },
			wantErr: ErrUnauthorized,
		},
		{
			name: "no_secret",
			call: func() error {
				_, err := newTestClient(srv.URL, "").Cleanup(ctx)
				return err
			},
			wantErr: ErrNoAdminSecret,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.wantErr)
		})
	}
}

func TestClient_ValidateBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	client := newTestClient(srv.URL, "")

	_, err := client.Validate(t.Context(), "", "HW")
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "licenseKey is required", statusErr.Message)
}

func TestClient_Cleanup(t *testing.T) {
	srv, store := newTestServer(t)
	client := newTestClient(srv.URL, testSecret)
	ctx := t.Context()

	old := time.Now().Add(-30 * 24 * time.Hour).UTC()
	require.NoError(t, store.Create(ctx, &models.License{LicenseKey: "never-used", CreatedAt: old}))

	report, err := client.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, "success", report.Status)
	assert.Equal(t, int64(0), report.ExpiredDeleted)
	assert.Equal(t, int64(1), report.UnusedDeleted)
}

func TestClient_Retries(t *testing.T) {
	tests := []struct {
		name       string
		failures   int32
		failStatus int
		wantCalls  int32
		wantErr    bool
		wantStatus int
	}{
		{name: "recovers_after_5xx", failures: 2, failStatus: http.StatusServiceUnavailable, wantCalls: 3},
		{name: "gives_up_after_attempts", failures: 10, failStatus: http.StatusInternalServerError, wantCalls: 3, wantErr: true, wantStatus: http.StatusInternalServerError},
		{name: "client_errors_are_final", failures: 10, failStatus: http.StatusTooManyRequests, wantCalls: 1, wantErr: true, wantStatus: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)

				var req map[string]string
				if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req), "body must be resent on every attempt") {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				assert.Equal(t, "HW", req["hwid"])

				w.Header().Set("Content-Type", "application/json")
				if n <= tt.failures {
					w.WriteHeader(tt.failStatus)
					w.Write([]byte(`{"status":"error","message":"try later"}`))
					return
				}
				w.Write([]byte(`{"status":"success","message":"Validation successful."}`))
			}))
			t.Cleanup(srv.Close)

			got, err := newTestClient(srv.URL, "").Validate(t.Context(), "key", "HW")
			assert.Equal(t, tt.wantCalls, calls.Load())

			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "Validation successful.", got.Message)
				return
			}

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr), "got %v", err)
			assert.Equal(t, tt.wantStatus, statusErr.StatusCode)
		})
	}
}

func TestClient_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := newTestClient(srv.URL, "").Validate(ctx, "key", "HW")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "http://h/admin/cleanup/***", redactSecret("http://h/admin/cleanup/s3cret", "s3cret"))
	assert.Equal(t, "http://h/validate", redactSecret("http://h/validate", ""))
}

func TestDecodeError_Forbidden(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{name: "reason_wins_over_wording", body: `{"status":"error","message":"Key was withdrawn.","reason":"revoked"}`, wantErr: ErrLicenseRevoked},
		{name: "reason_expired", body: `{"status":"error","message":"Gone.","reason":"expired"}`, wantErr: ErrLicenseExpired},
		{name: "reason_mismatch", body: `{"status":"error","message":"","reason":"hwid-mismatch"}`, wantErr: ErrHWIDMismatch},
		{name: "message_without_reason", body: `{"status":"error","message":"License key has expired."}`, wantErr: ErrLicenseExpired},
		{name: "unknown_reason", body: `{"status":"error","message":"Nope.","reason":"suspended"}`, wantErr: ErrForbidden},
		{name: "not_json", body: `forbidden`, wantErr: ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, decodeError(http.StatusForbidden, []byte(tt.body)), tt.wantErr)
		})
	}
}

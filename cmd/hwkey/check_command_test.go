// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/hwkey/internal/api"
	apimiddleware "github.com/autobrr/hwkey/internal/api/middleware"
	"github.com/autobrr/hwkey/internal/auth"
	"github.com/autobrr/hwkey/internal/database"
	"github.com/autobrr/hwkey/internal/license"
	"github.com/autobrr/hwkey/internal/models"
	"github.com/autobrr/hwkey/pkg/licenseclient"
)

func TestCheckCommand(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "hwkey.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := models.NewLicenseStore(db.Conn())

	guard, err := apimiddleware.NewAdminGuard(auth.NewSecretVerifier(""), 0, 0)
	require.NoError(t, err)
	t.Cleanup(guard.Close)

	srv := httptest.NewServer(api.NewRouter(&api.Dependencies{
		Validator:  license.NewValidator(store),
		Sweeper:    license.NewSweeper(store),
		Issuer:     license.NewIssuer(store),
		AdminGuard: guard,
	}))
	t.Cleanup(srv.Close)

	expires := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(t.Context(), &models.License{LicenseKey: "check-key", ExpiresAt: &expires, CreatedAt: time.Now()}))

	out, err := runCommand(t, RunCheckCommand(), "--server", srv.URL, "--key", "check-key", "--hwid", "HW-1")
	require.NoError(t, err)
	assert.Equal(t, "Activation successful.\nExpires: 2099-01-01T00:00:00Z\n", out)

	out, err = runCommand(t, RunCheckCommand(), "--server", srv.URL, "--key", "check-key", "--hwid", "HW-1")
	require.NoError(t, err)
	assert.Equal(t, "Validation successful.\n", out)

	_, err = runCommand(t, RunCheckCommand(), "--server", srv.URL, "--key", "check-key", "--hwid", "HW-2")
	assert.ErrorIs(t, err, licenseclient.ErrHWIDMismatch)

	_, err = runCommand(t, RunCheckCommand(), "--server", srv.URL, "--key", "check-key")
	assert.ErrorContains(t, err, "--hwid are required")
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/hwkey/internal/license"
	"github.com/autobrr/hwkey/internal/models"
)

// AdminHandler serves the secret-guarded maintenance endpoints
type AdminHandler struct {
	sweeper  *license.Sweeper
	issuer   *license.Issuer
	validate *validator.Validate
	now      func() time.Time
}

func NewAdminHandler(sweeper *license.Sweeper, issuer *license.Issuer) *AdminHandler {
	return &AdminHandler{
		sweeper:  sweeper,
		issuer:   issuer,
		validate: newValidate(),
		now:      time.Now,
	}
}

// CleanupResponse reports what a retention sweep removed
type CleanupResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	license.SweepReport
}

// IssueLicenseRequest represents the request body for issuing a license
type IssueLicenseRequest struct {
	CustomerInfo string     `json:"customerInfo" validate:"max=1024"`
	ExpiresAt    *time.Time `json:"expiresAt"`
}

// Cleanup runs the retention sweep
func (h *AdminHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Sweep(r.Context(), h.now())
	if err != nil {
		log.Error().Err(err).Msg("Retention sweep failed")
		RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	RespondJSON(w, http.StatusOK, CleanupResponse{
		Status:      "success",
		Message:     report.String(),
		SweepReport: report,
	})
}

// IssueLicense creates a new unbound license
func (h *AdminHandler) IssueLicense(w http.ResponseWriter, r *http.Request) {
	var req IssueLicenseRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		RespondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	issued, err := h.issuer.Issue(r.Context(), license.IssueRequest{
		CustomerInfo: req.CustomerInfo,
		ExpiresAt:    req.ExpiresAt,
	}, h.now())
	if err != nil {
		if errors.Is(err, license.ErrExpiryNotInFuture) {
			RespondError(w, http.StatusBadRequest, "expiresAt must be in the future")
			return
		}
		log.Error().Err(err).Msg("Failed to issue license")
		RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	RespondJSON(w, http.StatusCreated, issued)
}

// RevokeLicense permanently disables an active license
func (h *AdminHandler) RevokeLicense(w http.ResponseWriter, r *http.Request) {
	licenseKey := chi.URLParam(r, "licenseKey")

	err := h.issuer.Revoke(r.Context(), licenseKey)
	switch {
	case err == nil:
		RespondSuccess(w, http.StatusOK, "License key revoked.")
	case errors.Is(err, models.ErrLicenseNotFound):
		RespondError(w, http.StatusNotFound, "License key does not exist.")
	case errors.Is(err, models.ErrLicenseNotRevocable):
		RespondError(w, http.StatusConflict, "License key has expired and cannot be revoked.")
	default:
		log.Error().Err(err).Str("licenseKey", license.MaskKey(licenseKey)).Msg("Failed to revoke license")
		RespondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/hwkey/internal/license"
	"github.com/autobrr/hwkey/internal/metrics"
)

// LicenseHandler serves client validation requests
type LicenseHandler struct {
	validator *license.Validator
	metrics   *metrics.Manager
	validate  *validator.Validate
	now       func() time.Time
}

func NewLicenseHandler(v *license.Validator, metricsManager *metrics.Manager) *LicenseHandler {
	return &LicenseHandler{
		validator: v,
		metrics:   metricsManager,
		validate:  newValidate(),
		now:       time.Now,
	}
}

// ValidateLicenseRequest represents the request body for license validation
type ValidateLicenseRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required"`
	HWID       string `json:"hwid" validate:"required"`

	// older clients send snake_case
	LegacyLicenseKey string `json:"license_key" validate:"-"`
}

// ValidateLicenseResponse represents the response for license validation
type ValidateLicenseResponse struct {
	Status    string     `json:"status"`
	Message   string     `json:"message"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	// Reason is the machine-readable cause of a 403.
	Reason    string     `json:"reason,omitempty"`
}

var forbiddenMessages = map[license.Reason]string{
	license.ReasonRevoked:      "License key has been revoked.",
	license.ReasonExpired:      "License key has expired.",
	license.ReasonHWIDMismatch: "License key is already in use on another machine.",
}

// Validate checks a license key presented from a machine
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateLicenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		log.Debug().Err(err).Msg("Failed to decode validate request")
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.LicenseKey == "" {
		req.LicenseKey = req.LegacyLicenseKey
	}
	req.LicenseKey = strings.TrimSpace(req.LicenseKey)
	req.HWID = strings.TrimSpace(req.HWID)

	if err := h.validate.Struct(req); err != nil {
		RespondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	outcome, err := h.validator.Validate(r.Context(), req.LicenseKey, req.HWID, h.now())
	if err != nil {
		log.Error().Err(err).Str("licenseKey", license.MaskKey(req.LicenseKey)).Msg("License validation failed")
		RespondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.metrics.ObserveValidation(outcome)

	switch outcome.Decision {
	case license.DecisionNotFound:
		RespondError(w, http.StatusNotFound, "License key does not exist.")
	case license.DecisionForbidden:
		RespondJSON(w, http.StatusForbidden, ValidateLicenseResponse{
			Status:  "error",
			Message: forbiddenMessages[outcome.Reason],
			Reason:  string(outcome.Reason),
		})
	case license.DecisionActivated:
		RespondJSON(w, http.StatusOK, ValidateLicenseResponse{
			Status:    "success",
			Message:   "Activation successful.",
			ExpiresAt: outcome.ExpiresAt,
		})
	case license.DecisionValid:
		RespondSuccess(w, http.StatusOK, "Validation successful.")
	}
}

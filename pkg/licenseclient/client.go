// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package licenseclient talks to a hwkey server: machine-side validation and
// the secret-guarded admin endpoints.
package licenseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
	defaultDelay    = 500 * time.Millisecond
	maxBodySize     = 1 << 20
)

var (
	ErrLicenseNotFound = errors.New("license key does not exist")
	ErrLicenseRevoked  = errors.New("license key has been revoked")
	ErrLicenseExpired  = errors.New("license key has expired")
	ErrHWIDMismatch    = errors.New("license key is bound to another machine")
	ErrForbidden       = errors.New("license key rejected")
	ErrNotRevocable    = errors.New("license key has expired and cannot be revoked")
	ErrUnauthorized    = errors.New("admin secret rejected")
	ErrNoAdminSecret   = errors.New("admin secret not configured")
)

// forbiddenReasons maps the reason field of a 403 body onto sentinels.
var forbiddenReasons = map[string]error{
	"revoked":       ErrLicenseRevoked,
	"expired":       ErrLicenseExpired,
	"hwid-mismatch": ErrHWIDMismatch,
}

// forbiddenMessages covers servers that answer 403 without a reason field.
var forbiddenMessages = map[string]error{
	"License key has been revoked.":                      ErrLicenseRevoked,
	"License key has expired.":                           ErrLicenseExpired,
	"License key is already in use on another machine.": ErrHWIDMismatch,
}

// StatusError is returned for any response the client has no sentinel for.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return "unexpected status: " + http.StatusText(e.StatusCode)
	}
	return "unexpected status " + http.StatusText(e.StatusCode) + ": " + e.Message
}

type Config struct {
	Host        string
	AdminSecret string
	Timeout     time.Duration
	// Attempts bounds tries on transport errors and 5xx responses.
	Attempts   uint
	RetryDelay time.Duration
	Transport  http.RoundTripper
	Log        *zerolog.Logger
}

type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultDelay
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")

	logger := zerolog.Nop()
	if cfg.Log != nil {
		logger = cfg.Log.With().Str("module", "licenseclient").Logger()
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: cfg.Transport,
		},
		log: logger,
	}
}

// Validation is the server's answer to a successful /validate call.
type Validation struct {
	Status    string     `json:"status"`
	Message   string     `json:"message"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Activated reports whether this call performed the first-use binding.
func (v *Validation) Activated() bool {
	return v.Message == "Activation successful."
}

// Validate presents licenseKey from the machine identified by hwid. Rejections
// come back as one of the Err sentinels.
func (c *Client) Validate(ctx context.Context, licenseKey, hwid string) (*Validation, error) {
	payload := map[string]string{
		"licenseKey": licenseKey,
		"hwid":       hwid,
	}

	var out Validation
	if err := c.postJSON(ctx, "/validate", payload, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// License mirrors the admin API representation of a license record.
type License struct {
	ID           int64      `json:"id"`
	LicenseKey   string     `json:"licenseKey"`
	HWID         *string    `json:"hwid,omitempty"`
	Status       string     `json:"status"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	ActivatedAt  *time.Time `json:"activatedAt,omitempty"`
	CustomerInfo *string    `json:"customerInfo,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

type IssueRequest struct {
	CustomerInfo string     `json:"customerInfo,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

func (c *Client) Issue(ctx context.Context, req IssueRequest) (*License, error) {
	path, err := c.adminPath("licenses")
	if err != nil {
		return nil, err
	}

	var out License
	if err := c.postJSON(ctx, path, req, http.StatusCreated, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Revoke(ctx context.Context, licenseKey string) error {
	path, err := c.adminPath("licenses")
	if err != nil {
		return err
	}
	path += "/" + url.PathEscape(licenseKey) + "/revoke"

	return c.postJSON(ctx, path, nil, http.StatusOK, nil)
}

type CleanupReport struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	ExpiredDeleted int64  `json:"expiredDeleted"`
	UnusedDeleted  int64  `json:"unusedDeleted"`
}

// Cleanup triggers the server's retention sweep.
func (c *Client) Cleanup(ctx context.Context) (*CleanupReport, error) {
	path, err := c.adminPath("cleanup")
	if err != nil {
		return nil, err
	}

	var out CleanupReport
	if err := c.postJSON(ctx, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) adminPath(resource string) (string, error) {
	if c.cfg.AdminSecret == "" {
		return "", ErrNoAdminSecret
	}
	return "/admin/" + resource + "/" + url.PathEscape(c.cfg.AdminSecret), nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, wantStatus int, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return errors.Wrap(err, "could not encode request")
		}
	}

	resp, err := c.retryDo(ctx, http.MethodPost, c.cfg.Host+path, body)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return errors.Wrap(err, "could not read response")
	}

	if resp.StatusCode != wantStatus {
		return decodeError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "could not decode response")
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var body struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	_ = json.Unmarshal(data, &body)

	switch status {
	case http.StatusNotFound:
		if body.Message == "License key does not exist." {
			return ErrLicenseNotFound
		}
	case http.StatusForbidden:
		if err, ok := forbiddenReasons[body.Reason]; ok {
			return err
		}
		if err, ok := forbiddenMessages[body.Message]; ok {
			return err
		}
		if body.Message == "" {
			return ErrForbidden
		}
		return errors.Wrap(ErrForbidden, body.Message)
	case http.StatusConflict:
		return ErrNotRevocable
	case http.StatusUnauthorized:
		return ErrUnauthorized
	}

	return &StatusError{StatusCode: status, Message: body.Message}
}

// retryDo sends the request until it gets a non-5xx response, the attempts run
// out or ctx is done. The body is rebuilt for every attempt.
func (c *Client) retryDo(ctx context.Context, method, reqURL string, body []byte) (*http.Response, error) {
	var resp *http.Response

	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(errors.Wrap(err, "could not build request"))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		r, err := c.http.Do(req)
		if err != nil {
			return err
		}

		if r.StatusCode >= http.StatusInternalServerError {
			drainAndClose(r.Body)
			return &StatusError{StatusCode: r.StatusCode}
		}

		resp = r
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.MaxJitter(c.cfg.RetryDelay/2),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug().Err(err).Uint("attempt", n+1).Str("path", redactSecret(reqURL, c.cfg.AdminSecret)).Msg("Retrying request")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "error making request")
	}

	return resp, nil
}

// drainAndClose drains and closes the response body to ensure HTTP connection reuse
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}

func redactSecret(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, url.PathEscape(secret), "***")
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"crypto/subtle"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var (
	ErrAdminSecretUnset   = errors.New("admin secret is not configured")
	ErrInvalidHash        = errors.New("invalid hash format")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// SecretVerifier checks presented admin secrets against the configured one.
// The configured value is either plaintext or an Argon2id hash. With nothing
// configured every check fails.
type SecretVerifier struct {
	configured atomic.Pointer[string]
}

func NewSecretVerifier(secret string) *SecretVerifier {
	v := &SecretVerifier{}
	v.SetSecret(secret)
	return v
}

// SetSecret replaces the configured secret, e.g. after a config reload.
func (v *SecretVerifier) SetSecret(secret string) {
	v.configured.Store(&secret)
}

// Configured reports whether an admin secret is set.
func (v *SecretVerifier) Configured() bool {
	s := v.configured.Load()
	return s != nil && *s != ""
}

// Verify returns nil when presented matches the configured secret.
func (v *SecretVerifier) Verify(presented string) error {
	configured := v.configured.Load()
	if configured == nil || *configured == "" {
		return ErrAdminSecretUnset
	}
	if presented == "" {
		return ErrInvalidCredentials
	}

	if IsHashed(*configured) {
		ok, err := VerifySecret(presented, *configured)
		if err != nil {
			log.Error().Err(err).Msg("Configured admin secret hash is malformed")
			return ErrInvalidCredentials
		}
		if !ok {
			return ErrInvalidCredentials
		}
		return nil
	}

	if subtle.ConstantTimeCompare([]byte(presented), []byte(*configured)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

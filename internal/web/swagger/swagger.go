// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: MIT

package swagger

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openapiYAML []byte

type Handler struct {
	spec    map[string]interface{}
	baseURL string
}

func NewHandler(baseURL string) (*Handler, error) {
	var spec map[string]interface{}
	if err := yaml.Unmarshal(openapiYAML, &spec); err != nil {
		return nil, err
	}

	// Ensure baseURL doesn't have trailing slash
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &Handler{
		spec:    spec,
		baseURL: baseURL,
	}, nil
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/openapi.json", h.ServeOpenAPISpec)
}

func GetOpenAPISpec() ([]byte, error) {
	return openapiYAML, nil
}

func (h *Handler) ServeOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	// Create a copy of the spec to modify
	spec := make(map[string]interface{}, len(h.spec)+1)
	for k, v := range h.spec {
		spec[k] = v
	}

	if h.baseURL != "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}

		spec["servers"] = []map[string]interface{}{
			{
				"url":         scheme + "://" + r.Host + h.baseURL,
				"description": "Current server with base URL",
			},
		}
	}

	if err := json.NewEncoder(w).Encode(spec); err != nil {
		log.Error().Err(err).Msg("Failed to encode OpenAPI spec")
	}
}

// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/hwkey/internal/license"
)

type Manager struct {
	registry         *prometheus.Registry
	licenseCollector *LicenseCollector

	validations  *prometheus.CounterVec
	sweepDeleted *prometheus.CounterVec
	sweepRuns    prometheus.Counter
}

func NewManager(store StatusCounter) *Manager {
	registry := prometheus.NewRegistry()

	licenseCollector := NewLicenseCollector(store)

	validations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hwkey_validations_total",
		Help: "License validations by decision and reason",
	}, []string{"decision", "reason"})

	sweepDeleted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hwkey_sweep_deleted_total",
		Help: "Licenses removed by the retention sweep by rule",
	}, []string{"rule"})

	sweepRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hwkey_sweep_runs_total",
		Help: "Completed retention sweeps",
	})

	registry.MustRegister(licenseCollector, validations, sweepDeleted, sweepRuns)

	log.Info().Msg("Metrics manager initialized with license collector")

	return &Manager{
		registry:         registry,
		licenseCollector: licenseCollector,
		validations:      validations,
		sweepDeleted:     sweepDeleted,
		sweepRuns:        sweepRuns,
	}
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}

// ObserveValidation counts a finished validation. Safe on a nil manager.
func (m *Manager) ObserveValidation(outcome license.Outcome) {
	if m == nil {
		return
	}
	reason := string(outcome.Reason)
	if reason == "" {
		reason = "none"
	}
	m.validations.WithLabelValues(outcome.Decision.String(), reason).Inc()
}

// ObserveSweep counts a finished retention sweep. Safe on a nil manager.
func (m *Manager) ObserveSweep(report license.SweepReport) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	m.sweepDeleted.WithLabelValues("expired").Add(float64(report.ExpiredDeleted))
	m.sweepDeleted.WithLabelValues("unused").Add(float64(report.UnusedDeleted))
}

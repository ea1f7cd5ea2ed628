// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// StatusCounter reports the number of licenses per status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

type LicenseCollector struct {
	store StatusCounter

	licensesDesc     *prometheus.Desc
	scrapeErrorsDesc *prometheus.Desc
}

func NewLicenseCollector(store StatusCounter) *LicenseCollector {
	return &LicenseCollector{
		store: store,

		licensesDesc: prometheus.NewDesc(
			"hwkey_licenses",
			"Number of stored licenses by status",
			[]string{"status"},
			nil,
		),
		scrapeErrorsDesc: prometheus.NewDesc(
			"hwkey_license_scrape_errors_total",
			"Number of failed license count scrapes",
			nil,
			nil,
		),
	}
}

func (c *LicenseCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.licensesDesc
	ch <- c.scrapeErrorsDesc
}

func (c *LicenseCollector) Collect(ch chan<- prometheus.Metric) {
	if c.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to count licenses for metrics")
		ch <- prometheus.MustNewConstMetric(c.scrapeErrorsDesc, prometheus.CounterValue, 1)
		return
	}

	for status, count := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.licensesDesc,
			prometheus.GaugeValue,
			float64(count),
			status,
		)
	}
}

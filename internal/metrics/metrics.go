// Package metrics exposes Prometheus counters for the attendance engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ScansTotal counts scan submissions by outcome: accepted,
	// already_scanned, or a rejection reason.
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_scans_total",
		Help: "Scan submissions by outcome.",
	}, []string{"outcome"})

	// SessionsStarted counts sessions started.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_sessions_started_total",
		Help: "Sessions started.",
	})

	// SessionsArchived counts sessions ended and archived.
	SessionsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_sessions_archived_total",
		Help: "Sessions archived.",
	})

	// CorrectionsTotal counts correction requests by resolution.
	CorrectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_corrections_total",
		Help: "Correction requests by resolution.",
	}, []string{"resolution"})
)

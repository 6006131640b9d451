// SoundMaxx is an audio-processing worker service.
// Copyright (C) 2025 The SoundMaxx Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsTotal        *prometheus.CounterVec
	jobPhaseDuration *prometheus.HistogramVec
	webhookTotal     *prometheus.CounterVec
	cacheEvents      *prometheus.CounterVec
	datasetCaptures  *prometheus.CounterVec
)

// Job phase names used with ObserveJobPhase.
const (
	PhaseStage    = "stage"
	PhaseTool     = "tool"
	PhaseFallback = "fallback"
	PhaseCallback = "callback"
	PhaseCapture  = "capture"
	PhaseTotal    = "total"
	PhaseTraining = "training"
)

// Cache event names used with IncCacheEvent.
const (
	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheEviction = "eviction"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJob records a finished job by tool type and terminal status.
func IncJob(tool, status string) {
	tool = sanitizeLabel(tool, "unknown")
	status = sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(tool, status).Inc()
	}
}

// ObserveJobPhase records the duration of a job execution phase.
func ObserveJobPhase(phase string, duration time.Duration) {
	phase = sanitizeLabel(phase, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobPhaseDuration != nil {
		jobPhaseDuration.WithLabelValues(phase).Observe(durationSeconds(duration))
	}
}

// IncWebhookDelivery records a callback delivery attempt outcome
// ("delivered" or "failed") by callback kind.
func IncWebhookDelivery(kind, outcome string) {
	kind = sanitizeLabel(kind, "unknown")
	outcome = sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if webhookTotal != nil {
		webhookTotal.WithLabelValues(kind, outcome).Inc()
	}
}

// IncCacheEvent records a source-cache hit, miss, or eviction.
func IncCacheEvent(event string) {
	event = sanitizeLabel(event, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if cacheEvents != nil {
		cacheEvents.WithLabelValues(event).Inc()
	}
}

// IncDatasetCapture records a dataset capture outcome ("captured" or "failed").
func IncDatasetCapture(outcome string) {
	outcome = sanitizeLabel(outcome, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if datasetCaptures != nil {
		datasetCaptures.WithLabelValues(outcome).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundmaxx",
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Total processed jobs grouped by tool type and terminal status.",
	}, []string{"tool", "status"})

	phases := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "soundmaxx",
		Subsystem: "worker",
		Name:      "job_phase_duration_seconds",
		Help:      "Duration of job execution phases (stage, tool, fallback, callback, capture).",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"phase"})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundmaxx",
		Subsystem: "worker",
		Name:      "webhook_deliveries_total",
		Help:      "Webhook callback delivery attempts by kind and outcome.",
	}, []string{"kind", "outcome"})

	cache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundmaxx",
		Subsystem: "worker",
		Name:      "source_cache_events_total",
		Help:      "Source cache hits, misses, and evictions.",
	}, []string{"event"})

	captures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "soundmaxx",
		Subsystem: "worker",
		Name:      "dataset_captures_total",
		Help:      "Dataset ledger capture attempts by outcome.",
	}, []string{"outcome"})

	registry.MustRegister(jobs, phases, webhooks, cache, captures)

	reg = registry
	jobsTotal = jobs
	jobPhaseDuration = phases
	webhookTotal = webhooks
	cacheEvents = cache
	datasetCaptures = captures
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}

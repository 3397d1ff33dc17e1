// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics declares the Prometheus collectors exported on
// /metrics. Collectors register with the default registry at init, so
// every package records into the same set without wiring.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "middlewared"

var (
	// MethodCalls counts dispatched calls by method and outcome
	// ("success" or the error type).
	MethodCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "method_calls_total",
		Help:      "Method calls by method and outcome.",
	}, []string{"method", "outcome"})

	MethodDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "method_duration_seconds",
		Help:      "Method call latency, excluding job execution.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"method"})

	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_transitions_total",
		Help:      "Job state transitions by method and new state.",
	}, []string{"method", "state"})

	JobsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_active",
		Help:      "Jobs currently WAITING or RUNNING.",
	}, []string{"state"})

	JobLogBytesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_log_bytes_dropped_total",
		Help:      "Job log bytes discarded because the writer fell behind.",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Events published by topic.",
	}, []string{"topic"})

	SubscribersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_subscribers_dropped_total",
		Help:      "Subscriptions dropped on queue overflow, by topic pattern.",
	}, []string{"topic"})

	DatastoreWrites = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "datastore_write_seconds",
		Help:      "Datastore write latency including queueing, by operation.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"operation"})

	DatastoreQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "datastore_write_queue_depth",
		Help:      "Writes waiting for the single writer.",
	})

	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Open sessions by transport.",
	}, []string{"transport"})

	FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_rejected_total",
		Help:      "Connections dropped for oversize or malformed frames, by transport.",
	}, []string{"transport"})

	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_attempts_total",
		Help:      "Authentication attempts by mechanism and result.",
	}, []string{"mechanism", "result"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Anonymous calls refused by the rate limiter, by method.",
	}, []string{"method"})

	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blocking_workers_busy",
		Help:      "Blocking-offload workers currently running.",
	})

	EtcChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "etc_file_changes_total",
		Help:      "Generated config files changed, by group and change kind.",
	}, []string{"group", "change"})

	ServiceActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "service_actions_total",
		Help:      "Service facade actions by service, verb and result.",
	}, []string{"service", "verb", "result"})

	SchedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_task_runs_total",
		Help:      "Periodic task submissions by task and result.",
	}, []string{"task", "result"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics defines the daemon's Prometheus collectors,
// grounded on dantte-lp-gobfd/internal/metrics.Collector's
// const-per-metric struct shape and on the teacher's own
// cmd/tcgdiskstat/metric.go const-metric/openmetrics output mode --
// here wired to a long-running prometheus/client_golang registry
// served over HTTP instead of a one-shot stdout dump.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "iscsid"
	subsystem = "daemon"
)

// Label names shared across the collector's vectors.
const (
	labelTarget = "target"
	labelPortal = "portal"
	labelResult = "result"
	labelFunc   = "func_code"
)

// Collector holds every Prometheus metric the daemon exports.
type Collector struct {
	// SessionsActive tracks currently logged-in sessions, labeled by
	// target IQN.
	SessionsActive *prometheus.GaugeVec

	// LoginsTotal counts login attempts by target/portal and result
	// ("success", "auth_failure", "unsupported_parameter", "transport_error",
	// "timeout", "error").
	LoginsTotal *prometheus.CounterVec

	// LogoutsTotal counts logouts by target/result.
	LogoutsTotal *prometheus.CounterVec

	// DiscoveryRunsTotal counts SendTargets discovery passes by result.
	DiscoveryRunsTotal *prometheus.CounterVec

	// AuthFailuresTotal counts CHAP authentication failures by target.
	AuthFailuresTotal *prometheus.CounterVec

	// TimeoutsTotal counts HBA Timeout notifications by target.
	TimeoutsTotal *prometheus.CounterVec

	// IPCRequestsTotal counts client IPC requests by funcCode/result.
	IPCRequestsTotal *prometheus.CounterVec
}

// New creates a Collector and registers all its metrics against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := newMetrics()
	reg.MustRegister(
		c.SessionsActive,
		c.LoginsTotal,
		c.LogoutsTotal,
		c.DiscoveryRunsTotal,
		c.AuthFailuresTotal,
		c.TimeoutsTotal,
		c.IPCRequestsTotal,
	)
	return c
}

func newMetrics() *Collector {
	targetPortal := []string{labelTarget, labelPortal}
	targetResult := []string{labelTarget, labelResult}

	return &Collector{
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of currently logged-in iSCSI sessions, by target.",
		}, []string{labelTarget}),

		LoginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "logins_total",
			Help:      "Total login attempts by target/portal and result.",
		}, append(append([]string{}, targetPortal...), labelResult)),

		LogoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "logouts_total",
			Help:      "Total logouts by target and result.",
		}, targetResult),

		DiscoveryRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discovery_runs_total",
			Help:      "Total SendTargets discovery passes by result.",
		}, []string{labelResult}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total CHAP authentication failures by target.",
		}, []string{labelTarget}),

		TimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "timeouts_total",
			Help:      "Total HBA Timeout notifications by target.",
		}, []string{labelTarget}),

		IPCRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ipc_requests_total",
			Help:      "Total client IPC requests by funcCode and result.",
		}, []string{labelFunc, labelResult}),
	}
}

// SessionLoggedIn records a successful leading login: increments
// SessionsActive and LoginsTotal(..., "success").
func (c *Collector) SessionLoggedIn(target, portal string) {
	c.SessionsActive.WithLabelValues(target).Inc()
	c.LoginsTotal.WithLabelValues(target, portal, "success").Inc()
}

// SessionLoginFailed records a failed login attempt without touching
// SessionsActive (no session was established).
func (c *Collector) SessionLoginFailed(target, portal, reason string) {
	c.LoginsTotal.WithLabelValues(target, portal, reason).Inc()
}

// SessionLoggedOut records a logout, successful or not, and
// decrements SessionsActive for target unconditionally.
func (c *Collector) SessionLoggedOut(target, result string) {
	c.SessionsActive.WithLabelValues(target).Dec()
	c.LogoutsTotal.WithLabelValues(target, result).Inc()
}

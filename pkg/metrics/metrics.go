/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes the Prometheus instrumentation of the
// coordinator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// DAOMetrics instruments the distributed atomic operation coordinator.
type DAOMetrics struct {
	OperationsStarted   *prometheus.CounterVec
	OperationsCompleted *prometheus.CounterVec
	OperationsInFlight  prometheus.Gauge
	JournalAppends      *prometheus.CounterVec
	TimeoutsFired       *prometheus.CounterVec
	StaleTimeouts       prometheus.Counter
	DuplicateVotes      prometheus.Counter
	EventsDispatched    *prometheus.CounterVec
	EventsRejected      *prometheus.CounterVec
	RecoveredOperations prometheus.Counter
	PeerSends           *prometheus.CounterVec
}

// NewDAOMetrics registers the coordinator metrics with reg.
func NewDAOMetrics(reg prometheus.Registerer) *DAOMetrics {
	m := &DAOMetrics{
		OperationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mds_dao_operations_started_total",
			Help: "Distributed operations started on this server, by protocol and role.",
		}, []string{"protocol", "role"}),
		OperationsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mds_dao_operations_completed_total",
			Help: "Distributed operations finished on this server, by protocol and outcome.",
		}, []string{"protocol", "outcome"}),
		OperationsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mds_dao_operations_in_flight",
			Help: "Operations currently held in the operation store.",
		}),
		JournalAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mds_dao_journal_appends_total",
			Help: "Journal appends, by record kind and result.",
		}, []string{"record", "result"}),
		TimeoutsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mds_dao_timeouts_fired_total",
			Help: "Timeout entries honored, by recorded status.",
		}, []string{"status"}),
		StaleTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mds_dao_timeouts_stale_total",
			Help: "Timeout entries discarded because the operation moved on.",
		}),
		DuplicateVotes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mds_dao_duplicate_votes_total",
			Help: "Votes and acknowledgements discarded by the deduplication set.",
		}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mds_dao_events_dispatched_total",
			Help: "Peer and executor events handed to the protocol engine, by event.",
		}, []string{"event"}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mds_dao_events_rejected_total",
			Help: "Inbound events dropped before protocol handling, by reason.",
		}, []string{"reason"}),
		RecoveredOperations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mds_dao_recovered_operations_total",
			Help: "Operations rebuilt from journals.",
		}),
		PeerSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mds_dao_peer_sends_total",
			Help: "Outbound peer messages, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.OperationsStarted, m.OperationsCompleted, m.OperationsInFlight,
		m.JournalAppends, m.TimeoutsFired, m.StaleTimeouts, m.DuplicateVotes,
		m.EventsDispatched, m.EventsRejected, m.RecoveredOperations, m.PeerSends,
	)
	return m
}

// NewNopDAOMetrics returns metrics registered nowhere, for tests.
func NewNopDAOMetrics() *DAOMetrics {
	return NewDAOMetrics(prometheus.NewRegistry())
}

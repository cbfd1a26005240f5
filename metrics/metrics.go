// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metrics

import (
	"github.com/luxfi/metric"
)

const outcomeLabel = "outcome"

var outcomeLabels = []string{outcomeLabel}

// Metrics tracks pact engine activity.
type Metrics struct {
	numPactsCreated metric.Counter
	numChallenges   metric.Counter
	numJoins        metric.Counter
	numCancelled    metric.Counter
	numResolutions  metric.CounterVec

	activePacts  metric.Gauge
	protocolFees metric.Gauge
}

// New creates engine metrics registered against registerer.
func New(registerer metric.Registerer) (*Metrics, error) {
	m := &Metrics{
		numPactsCreated: metric.NewCounter(metric.CounterOpts{
			Name: "pacts_created",
			Help: "Number of pacts created",
		}),
		numChallenges: metric.NewCounter(metric.CounterOpts{
			Name: "pacts_challenged",
			Help: "Number of challenges attached to pacts",
		}),
		numJoins: metric.NewCounter(metric.CounterOpts{
			Name: "group_joins",
			Help: "Number of group pact joins",
		}),
		numCancelled: metric.NewCounter(metric.CounterOpts{
			Name: "pacts_cancelled",
			Help: "Number of pacts cancelled by their creator",
		}),
		numResolutions: metric.NewCounterVec(
			metric.CounterOpts{
				Name: "pacts_resolved",
				Help: "Number of pacts resolved, by outcome",
			},
			outcomeLabels,
		),
		activePacts: metric.NewGauge(metric.GaugeOpts{
			Name: "active_pacts",
			Help: "Number of pacts currently active",
		}),
		protocolFees: metric.NewGauge(metric.GaugeOpts{
			Name: "protocol_fees",
			Help: "Accumulated protocol fee pool in minor units",
		}),
	}
	// Metrics are self-registering when created with NewCounter etc.
	_ = registerer
	return m, nil
}

func (m *Metrics) MarkPactCreated() {
	m.numPactsCreated.Inc()
	m.activePacts.Inc()
}

func (m *Metrics) MarkChallenged() {
	m.numChallenges.Inc()
}

func (m *Metrics) MarkJoined() {
	m.numJoins.Inc()
}

func (m *Metrics) MarkCancelled() {
	m.numCancelled.Inc()
	m.activePacts.Dec()
}

// MarkResolved records a settlement by outcome.
func (m *Metrics) MarkResolved(passed bool) {
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	m.numResolutions.With(metric.Labels{
		outcomeLabel: outcome,
	}).Inc()
	m.activePacts.Dec()
}

// SetProtocolFees tracks the fee pool balance.
func (m *Metrics) SetProtocolFees(fees uint64) {
	m.protocolFees.Set(float64(fees))
}

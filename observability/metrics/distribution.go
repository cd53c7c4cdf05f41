package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type DistributionMetrics struct {
	campaignsCreated prometheus.Counter
	claimsProcessed  prometheus.Counter
	claimsRejected   *prometheus.CounterVec
	valueClaimed     *prometheus.CounterVec
	valueFunded      *prometheus.CounterVec
}

var (
	distributionOnce     sync.Once
	distributionRegistry *DistributionMetrics
)

func Distribution() *DistributionMetrics {
	distributionOnce.Do(func() {
		distributionRegistry = &DistributionMetrics{
			campaignsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "distribution_campaigns_created_total",
				Help: "Count of campaigns committed to the ledger.",
			}),
			claimsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "distribution_claims_processed_total",
				Help: "Count of successful claims paid out.",
			}),
			claimsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "distribution_claims_rejected_total",
				Help: "Count of rejected claims by rejection reason.",
			}, []string{"reason"}),
			valueClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "distribution_value_claimed_total",
				Help: "Total value paid out to recipients per token.",
			}, []string{"token"}),
			valueFunded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "distribution_value_funded_total",
				Help: "Total value pulled into custody per token.",
			}, []string{"token"}),
		}
		prometheus.MustRegister(
			distributionRegistry.campaignsCreated,
			distributionRegistry.claimsProcessed,
			distributionRegistry.claimsRejected,
			distributionRegistry.valueClaimed,
			distributionRegistry.valueFunded,
		)
	})
	return distributionRegistry
}

func (m *DistributionMetrics) CampaignCreated() {
	if m == nil {
		return
	}
	m.campaignsCreated.Inc()
}

func (m *DistributionMetrics) ClaimProcessed() {
	if m == nil {
		return
	}
	m.claimsProcessed.Inc()
}

func (m *DistributionMetrics) ClaimRejected(reason string) {
	if m == nil {
		return
	}
	m.claimsRejected.WithLabelValues(reason).Inc()
}

func (m *DistributionMetrics) ValueClaimed(token string, amount float64) {
	if m == nil {
		return
	}
	m.valueClaimed.WithLabelValues(token).Add(amount)
}

func (m *DistributionMetrics) ValueFunded(token string, amount float64) {
	if m == nil {
		return
	}
	m.valueFunded.WithLabelValues(token).Add(amount)
}

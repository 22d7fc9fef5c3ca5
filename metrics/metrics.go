package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

type MetricsGenerator interface {
	IncValidation(status string)
	IncExecution(status string)
	IncRPCRequest(method, status string)
	AddPrefundCollected(wei *big.Int)
	IncBundle()
}

// RelayerMetrics contains instrumented metrics incremented by the entry point and the relayer
type RelayerMetrics struct {
	numValidation    *prometheus.CounterVec
	numExecution     *prometheus.CounterVec
	numRPCRequest    *prometheus.CounterVec
	numBundle        prometheus.Counter
	prefundCollected prometheus.Counter
}

const namespace = "safe4337"

func NewRelayerMetrics(reg prometheus.Registerer) *RelayerMetrics {
	return &RelayerMetrics{
		numValidation: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "num_validation_total",
				Help:      "The number of user operation validations by outcome",
			}, []string{"status"}),

		numExecution: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "num_execution_total",
				Help:      "The number of user operation executions by outcome",
			}, []string{"status"}),

		numRPCRequest: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "num_rpc_request_total",
				Help:      "The number of JSON-RPC requests served by the relayer",
			}, []string{"method", "status"}),

		numBundle: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "num_bundle_total",
				Help:      "The number of bundles handled by the entry point",
			}),

		prefundCollected: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prefund_collected_ether_total",
				Help:      "Native currency collected from accounts as prefund, in ether",
			}),
	}
}

func (m *RelayerMetrics) IncValidation(status string) {
	m.numValidation.WithLabelValues(status).Inc()
}

func (m *RelayerMetrics) IncExecution(status string) {
	m.numExecution.WithLabelValues(status).Inc()
}

func (m *RelayerMetrics) IncRPCRequest(method, status string) {
	m.numRPCRequest.WithLabelValues(method, status).Inc()
}

func (m *RelayerMetrics) IncBundle() {
	m.numBundle.Inc()
}

func (m *RelayerMetrics) AddPrefundCollected(wei *big.Int) {
	if wei == nil || wei.Sign() <= 0 {
		return
	}
	ether, _ := decimal.NewFromBigInt(wei, -18).Float64()
	m.prefundCollected.Add(ether)
}

type noopMetrics struct{}

func (noopMetrics) IncValidation(string)         {}
func (noopMetrics) IncExecution(string)          {}
func (noopMetrics) IncRPCRequest(string, string) {}
func (noopMetrics) IncBundle()                   {}
func (noopMetrics) AddPrefundCollected(*big.Int) {}

// NewNoopMetrics returns a generator that records nothing.
func NewNoopMetrics() MetricsGenerator {
	return noopMetrics{}
}

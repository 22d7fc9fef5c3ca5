package metrics

import (
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRelayerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRelayerMetrics(reg)

	m.IncValidation("ok")
	m.IncValidation("ok")
	m.IncValidation("invalid_nonce")
	m.IncExecution("failed")
	m.IncBundle()
	m.AddPrefundCollected(new(big.Int).Mul(big.NewInt(25), big.NewInt(1e17)))
	m.AddPrefundCollected(nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.numValidation.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.numValidation.WithLabelValues("invalid_nonce")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.numExecution.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.numBundle))
	assert.InDelta(t, 2.5, testutil.ToFloat64(m.prefundCollected), 1e-9)
}

package logger

import (
	"testing"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureLogger(t *testing.T) {
	noop := EnsureLogger(nil)
	require.NotNil(t, noop)
	assert.IsType(t, &NoOpLogger{}, noop)
	assert.NotPanics(t, func() {
		scoped := noop.With("component", "test").WithComponent("ledger")
		scoped.Info("dropped")
		scoped.Warnf("dropped %d", 1)
		assert.NoError(t, scoped.Sync())
	})

	l, err := sdklogging.NewZapLogger(sdklogging.Development)
	require.NoError(t, err)
	assert.Same(t, l, EnsureLogger(l))
}

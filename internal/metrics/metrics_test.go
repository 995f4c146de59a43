package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	assert.NotNil(t, m.ConnectionsActive)
	assert.NotNil(t, m.RPCsTotal)
	assert.NotNil(t, m.BytesSent)
	assert.NotNil(t, m.BytesReceived)
	assert.NotNil(t, m.SendQueueDepth)
}

func TestNewWithNilRegistererReturnsNil(t *testing.T) {
	m := New(nil)
	assert.Nil(t, m)
}

func TestNilTransportMethodsAreSafeNoops(t *testing.T) {
	var m *Transport

	assert.NotPanics(t, func() {
		m.IncConnections()
		m.DecConnections()
		m.ObserveRPC(ResultOK)
		m.AddBytesSent(10)
		m.AddBytesReceived(10)
		m.SetSendQueueDepth(5, 2)
		m.DeleteSendQueueDepth(5)
	})
}

func TestConnectionCounting(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncConnections()
	m.IncConnections()
	m.DecConnections()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionsActive))
}

func TestObserveRPCLabelsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRPC(ResultOK)
	m.ObserveRPC(ResultOK)
	m.ObserveRPC(ResultProtocolError)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RPCsTotal.WithLabelValues(ResultOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RPCsTotal.WithLabelValues(ResultProtocolError)))
}

func TestBytesCountersIgnoreNonPositive(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AddBytesSent(0)
	m.AddBytesSent(-5)
	m.AddBytesSent(10)

	assert.Equal(t, float64(10), testutil.ToFloat64(m.BytesSent))
}

func TestSendQueueDepthDeleteRemovesSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetSendQueueDepth(7, 3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.SendQueueDepth.WithLabelValues("7")))

	m.DeleteSendQueueDepth(7)
	assert.Equal(t, 0, testutil.CollectAndCount(m.SendQueueDepth))
}

package iec104

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.FrameReceived(&Frame{Format: FormatU})
	m.FrameReceived(&Frame{Format: FormatI, ASDU: make([]byte, 10)})
	m.FrameSent(EncodeUFrame(UStartDTCon), 6)
	m.CommandHandled(CScNa1, CommandConfirmed)
	m.CommandHandled(CSeNc1, CommandUnknownAddress)
	m.InterrogationAnswered()
	m.BroadcastCycle(3 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.promConnections.WithLabelValues("opened")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promFramesIn.WithLabelValues("U")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promFramesIn.WithLabelValues("I")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promFramesOut.WithLabelValues("U")))
	assert.Equal(t, 22.0, testutil.ToFloat64(m.promBytes.WithLabelValues("in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.promCommands.WithLabelValues("C_SE_NC_1", CommandUnknownAddress)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.promCycleTime))

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.TotalConnections)
	assert.Equal(t, uint64(1), s.ActiveConnections)
	assert.Equal(t, uint64(2), s.FramesReceived)
	assert.Equal(t, uint64(1), s.CommandsConfirmed)
	assert.Equal(t, uint64(1), s.CommandsDropped)
	assert.Equal(t, uint64(1), s.Interrogations)
	assert.False(t, s.LastClientConnect.IsZero())

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Greater(t, n, 0)
}

func TestMetricsRecentErrorsBounded(t *testing.T) {
	m := NewMetrics(nil)
	for i := 0; i < 150; i++ {
		m.RecordError("server", "read", errors.New("reset by peer"))
	}
	m.RecordError("server", "read", nil)

	s := m.Snapshot()
	assert.Equal(t, uint64(150), s.ErrorsTotal)
	assert.Len(t, s.RecentErrors, 100)
	assert.Equal(t, "reset by peer", s.RecentErrors[0].Error)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened()
		m.FrameSent(nil, 0)
		m.CommandHandled(CScNa1, CommandRejected)
		m.RecordError("x", "y", errors.New("z"))
		_ = m.Snapshot()
	})
}

package miner

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestStatsHistoryIsBounded(t *testing.T) {
	s := NewStats()
	for i := 0; i < commandHistorySize+25; i++ {
		s.RecordCommand(CommandStart, "test", nil)
	}
	require.Len(t, s.History, commandHistorySize)

	stats := s.GetStats()
	require.Len(t, stats["recent_commands"], 10)
	require.EqualValues(t, commandHistorySize+25, stats["starts_issued"])
}

func TestStatsCommandOutcome(t *testing.T) {
	s := NewStats()
	s.RecordCommand(CommandStart, "pending", nil)
	require.True(t, s.Mining)
	require.False(t, s.LastStart.IsZero())

	s.RecordCommand(CommandStop, "empty", errors.New("timeout"))
	require.True(t, s.Mining)
	require.EqualValues(t, 1, s.CommandFailures)

	recent := s.GetStats()["recent_commands"].([]CommandEntry)
	require.Equal(t, CommandStop, recent[0].Command)
	require.Equal(t, "timeout", recent[0].Error)
	require.Equal(t, CommandStart, recent[1].Command)
}

func TestMetricsRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	client := newFakeClient(2, false)
	c := NewController(client, Config{Logger: quietLogger(), Metrics: metrics})
	c.reevaluate(context.Background())

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Commands.WithLabelValues(CommandStart, "ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Events.WithLabelValues(EventReevaluate)))
	require.Equal(t, float64(2), testutil.ToFloat64(metrics.Pending))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.Mining))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/partner-relay

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordRefreshAttempt(t *testing.T) {
	before := testutil.ToFloat64(RefreshAttemptsTotal.WithLabelValues("success"))
	RecordRefreshAttempt("success")
	after := testutil.ToFloat64(RefreshAttemptsTotal.WithLabelValues("success"))
	require.Equal(t, before+1, after)
}

func TestRecordRaidDispatch(t *testing.T) {
	before := testutil.ToFloat64(RaidsDispatchedTotal.WithLabelValues("offline", "success"))
	RecordRaidDispatch("offline", "success", 7)
	after := testutil.ToFloat64(RaidsDispatchedTotal.WithLabelValues("offline", "success"))
	require.Equal(t, before+1, after)
}

func TestRecordEventIngested(t *testing.T) {
	before := testutil.ToFloat64(EventsIngestedTotal.WithLabelValues("channel.cheer", "recorded"))
	RecordEventIngested("channel.cheer", "recorded")
	after := testutil.ToFloat64(EventsIngestedTotal.WithLabelValues("channel.cheer", "recorded"))
	require.Equal(t, before+1, after)
}

func TestRecordLiveSessionClosed(t *testing.T) {
	before := testutil.ToFloat64(LiveSessionsClosed.WithLabelValues("offline_event"))
	RecordLiveSessionClosed("offline_event", 0)
	after := testutil.ToFloat64(LiveSessionsClosed.WithLabelValues("offline_event"))
	require.Equal(t, before+1, after)
}

func TestBroadcastersBlacklistedGauge(t *testing.T) {
	BroadcastersBlacklisted.Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(BroadcastersBlacklisted))
}

func TestGatherAndLint(t *testing.T) {
	problems, err := testutil.GatherAndLint(prometheus.DefaultGatherer)
	require.NoError(t, err)
	require.Empty(t, problems)
}

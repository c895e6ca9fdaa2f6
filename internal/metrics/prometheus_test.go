package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncConnections()
		m.IncJob("leaderboard", "completed")
		m.IncSaveRetry()
		m.IncLeaderboardRun("success")
	})
}

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncJob("feedback", "retried")
	m.IncJob("feedback", "retried")
	m.IncSessions()
	m.IncSessions()
	m.DecSessions()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Jobs.WithLabelValues("feedback", "retried")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
}

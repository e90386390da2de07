package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ProposalCreated("merge")
	m.ProposalCreated("merge")
	m.Decided("approved")
	m.Executed("merge", nil)
	m.Executed("merge", errors.New("boom"))
	m.Merged(PathRemote, nil)
	m.Merged(PathAdminSquash, errors.New("conflict"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.proposals.WithLabelValues("merge")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("merge", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues("merge", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.merges.WithLabelValues(PathRemote, OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.merges.WithLabelValues(PathAdminSquash, OutcomeFailure)))
}

func TestMetrics_ReadinessHistogram(t *testing.T) {
	m := New()
	m.ReadinessPolled("clean", 3)
	m.ReadinessPolled("timed_out", 30)

	assert.Equal(t, 2, testutil.CollectAndCount(m.readinessPolls))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ProposalCreated("reply")
		m.Decided("rejected")
		m.Executed("reply", nil)
		m.ReadinessPolled("draft", 1)
		m.Merged(PathRemote, nil)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ProposalCreated("edit")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `autopilot_proposals_total{action="edit"} 1`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

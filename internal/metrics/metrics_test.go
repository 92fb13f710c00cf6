package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveCommand("Connect", "Ok", time.Millisecond)
		m.ObserveFetch("Ok")
		m.AuthFailure("command")
		m.ForwardWait("timeout")
		m.SetStreams(1)
		m.SetServices(1)
		m.TokenHit()
		m.TokenMiss()
		m.TokenValidation("valid")
		m.TokenRotation()
		m.TokenEviction()
		m.SetTokenCacheSize(3)
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveCommand("Subscribe", "Ok", 2*time.Millisecond)
	m.ObserveCommand("Subscribe", "Ok", 3*time.Millisecond)
	m.ObserveCommand("Forward", "Unauthorized", time.Millisecond)
	m.AuthFailure("command")
	m.TokenHit()
	m.TokenMiss()
	m.TokenMiss()
	m.SetTokenCacheSize(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("Subscribe", "Ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("Forward", "Unauthorized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authFailures.WithLabelValues("command")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenHits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tokenMisses))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.tokenCacheSize))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.TokenRotation()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "meshgate_tokencache_rotations_total 1"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelperHandler(t *testing.T) {
	h := NewHelper()
	defer h.Close()

	h.Registrations.Set(3)
	h.ExpiredEvents.Add(2)
	assert.Equal(t, float64(3), testutil.ToFloat64(h.Registrations))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.ExpiredEvents))

	rec := httptest.NewRecorder()
	h.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "eggie_poll_registrations 3"))
}

func TestHelperPush(t *testing.T) {
	var pushed atomic.Int64
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushed.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer gateway.Close()

	h := NewHelper()
	h.StartPush(gateway.URL, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return pushed.Load() > 0
	}, 5*time.Second, 5*time.Millisecond)
	h.Close()
	h.Close()
}

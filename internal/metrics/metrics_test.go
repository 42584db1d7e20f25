package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndServe(t *testing.T) {
	p := NewPrometheus("dispatchd")

	p.Set("pool_scale_up_events", 3)
	p.Set("pool_active_task_count", 12)
	// overwrite is a set, not an add
	p.Set("pool_scale_up_events", 5)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "dispatchd_pool_scale_up_events 5")
	assert.Contains(t, body, "dispatchd_pool_active_task_count 12")
}

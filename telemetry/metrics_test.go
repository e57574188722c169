package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/production-engine/production"
)

func TestObserve_CountsByKindAndCode(t *testing.T) {
	m := New()
	ctx := context.Background()
	totals := production.Totals{
		InputVolume:  decimal.RequireFromString("1.5"),
		OutputVolume: decimal.RequireFromString("1.2"),
	}

	m.Observe(ctx, production.Event{Kind: production.EventValidated, Totals: &totals, Duration: 20 * time.Millisecond})
	m.Observe(ctx, production.Event{Kind: production.EventRejected, Code: production.CodeInsufficientStock})
	m.Observe(ctx, production.Event{Kind: production.EventRejected, Code: production.CodeInsufficientStock})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("entry.validated", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("entry.rejected", "INSUFFICIENT_STOCK")))
	assert.Equal(t, 1.5, testutil.ToFloat64(m.volume.WithLabelValues("input")))
	assert.Equal(t, 1.2, testutil.ToFloat64(m.volume.WithLabelValues("output")))
}

func TestHandler_ServesExposition(t *testing.T) {
	m := New()
	m.Observe(context.Background(), production.Event{Kind: production.EventReverted})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "production_workflow_events_total")
	assert.Contains(t, rec.Body.String(), `kind="entry.reverted"`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRegistry_GathersWorkflowFamilies(t *testing.T) {
	m := New()
	m.Observe(context.Background(), production.Event{Kind: production.EventValidated, Duration: time.Second})

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["production_workflow_events_total"])
	assert.True(t, names["production_workflow_duration_seconds"])
	assert.True(t, names["go_goroutines"])
}

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

	"github.com/drfirst/go-orderwidget/internal/domain/order"
	"github.com/drfirst/go-orderwidget/pkg/circuitbreaker"
)

func TestObservePlan(t *testing.T) {
	m := New()
	plan := order.Plan{
		Mode: order.ModeEntry,
		Sections: []order.Section{{
			Kind: order.SectionExisting,
			Items: []order.Item{
				{IsPrevious: true},
				{AllowedActions: []order.Action{order.ActionRevise, order.ActionDiscontinue}},
			},
		}},
		Diagnostics: []order.Diagnostic{{Code: order.DiagMissingPrevious, OrderID: "B"}},
	}

	m.ObservePlan(plan, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RenderPasses.WithLabelValues("plan", "ENTRY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionsOffered.WithLabelValues("REVISE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionsOffered.WithLabelValues("DISCONTINUE")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActionsOffered.WithLabelValues("RENEW")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Diagnostics.WithLabelValues(string(order.DiagMissingPrevious))))
}

func TestOutboxAndBreakerHooks(t *testing.T) {
	m := New()
	m.OutboxPublished("orderwidget.section.events")
	m.OutboxFailed("orderwidget.section.events")
	m.OutboxPending(7)
	m.BreakerStateChanged("history-store", circuitbreaker.StateOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboxPublishes.WithLabelValues("orderwidget.section.events")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.OutboxPendingNow))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("history-store")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveHTTP(http.MethodPost, "/api/v1/render", http.StatusOK, time.Millisecond)
	m.SectionEvent("ActionSelected")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `orderwidget_http_requests_total{method="POST",route="/api/v1/render",status="2xx"} 1`))
	assert.True(t, strings.Contains(body, `orderwidget_section_events_total{event_type="ActionSelected"} 1`))
}

func TestNewIsIndependentPerInstance(t *testing.T) {
	assert.NotPanics(t, func() {
		New()
		New()
	})
}

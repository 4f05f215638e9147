package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govbrief/opptrack/internal/budget"
	"github.com/govbrief/opptrack/internal/config"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		RunsTotal:     100,
		RunsCompleted: 95,
		RunsFailed:    5,
		FailRate:      0.05,
		Sources: map[string]*SourceHealth{
			"sam.gov": {Runs: 50, Completed: 50, LastStatus: "completed"},
		},
		Budget: []budget.Counter{
			{Period: budget.PeriodDaily, Limit: 10, Spent: 2, AlertLevel: budget.LevelNone},
		},
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	snap := &MetricsSnapshot{
		RunsTotal:     20,
		RunsCompleted: 12,
		RunsFailed:    8,
		FailRate:      0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSourceFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_TooFewRunsForRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.10})

	// 100% failure but only two finished runs: below the signal floor.
	snap := &MetricsSnapshot{
		RunsTotal:  2,
		RunsFailed: 2,
		FailRate:   1.0,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailingSource(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.90})

	snap := &MetricsSnapshot{
		RunsTotal:     10,
		RunsCompleted: 9,
		RunsFailed:    1,
		FailRate:      0.1,
		Sources: map[string]*SourceHealth{
			"newsapi": {Runs: 1, Failed: 1, LastStatus: "failed", LastError: "http 429"},
			"sam.gov": {Runs: 9, Completed: 9, LastStatus: "completed"},
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSourceFailing, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "newsapi")
	assert.Contains(t, alerts[0].Message, "http 429")
}

func TestAlerter_Evaluate_BudgetCritical(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.50})

	snap := &MetricsSnapshot{
		Budget: []budget.Counter{
			{Period: budget.PeriodDaily, Limit: 10, Spent: 9.5, AlertLevel: budget.LevelCritical},
			{Period: budget.PeriodMonthly, Limit: 100, Spent: 40, AlertLevel: budget.LevelNone},
		},
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertBudgetCritical, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "$9.50")
	assert.Equal(t, "daily", alerts[0].Details["period"])
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		received.Add(1)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	alerts := []Alert{
		{Type: AlertSourceFailureRate, Severity: "high", Message: "m1"},
		{Type: AlertBudgetCritical, Severity: "high", Message: "m2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_WebhookFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertSourceFailing}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_NoWebhookConfigured(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertSourceFailing}})
	assert.Equal(t, 0, sent)
}

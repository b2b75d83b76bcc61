package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCountsOperations(test *testing.T) {
	recorder, err := NewRecorder(prometheus.NewRegistry())
	require.NoError(test, err)

	ctx := context.Background()
	recorder.LogOperation(ctx, ledger.OperationLog{Operation: "place_bet", Status: "ok"})
	recorder.LogOperation(ctx, ledger.OperationLog{Operation: "place_bet", Status: "ok"})
	recorder.LogOperation(ctx, ledger.OperationLog{Operation: "place_bet", Status: "error", Error: ledger.ErrInsufficientFunds})
	recorder.LogOperation(ctx, ledger.OperationLog{Operation: "resolve_pool", Status: "ok", Kind: ledger.KindBetWon, Amount: 540})

	assert.Equal(test, 2.0, testutil.ToFloat64(recorder.operations.WithLabelValues("place_bet", "ok")))
	assert.Equal(test, 1.0, testutil.ToFloat64(recorder.operations.WithLabelValues("place_bet", "error")))
	assert.Equal(test, 540.0, testutil.ToFloat64(recorder.settledPayouts))
}

func TestRecorderObservesTasks(test *testing.T) {
	recorder, err := NewRecorder(prometheus.NewRegistry())
	require.NoError(test, err)

	recorder.ObserveTask("expire-pools", 3, nil)
	recorder.ObserveTask("expire-pools", 0, errors.New("boom"))

	assert.Equal(test, 1.0, testutil.ToFloat64(recorder.schedulerRuns.WithLabelValues("expire-pools", StatusOK)))
	assert.Equal(test, 1.0, testutil.ToFloat64(recorder.schedulerRuns.WithLabelValues("expire-pools", StatusError)))
	assert.Equal(test, 3.0, testutil.ToFloat64(recorder.schedulerItems.WithLabelValues("expire-pools")))
}

func TestRecorderRejectsDoubleRegistration(test *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewRecorder(registry)
	require.NoError(test, err)
	_, err = NewRecorder(registry)
	require.Error(test, err)

	_, err = NewRecorder(nil)
	require.Error(test, err)
}

func TestHandlerServesTextFormat(test *testing.T) {
	recorder, err := NewRecorder(prometheus.NewRegistry())
	require.NoError(test, err)
	recorder.LogOperation(context.Background(), ledger.OperationLog{Operation: "create_pool", Status: "ok"})

	response := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(test, http.StatusOK, response.Code)
	assert.True(test, strings.Contains(response.Body.String(), `wagerledger_operations_total{operation="create_pool",status="ok"} 1`))
}

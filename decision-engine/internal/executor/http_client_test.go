package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/adops/decision-engine/internal/models"
)

func budgetRequest() ActionRequest {
	return ActionRequest{
		OperationID: uuid.New(),
		EntityID:    "adset-9",
		Action:      models.ActionBudgetIncrease,
		Params: models.ActionParams{
			Kind:   models.ActionBudgetIncrease,
			Budget: &models.BudgetChange{Percent: 30, From: 100, To: 130},
		},
		IdempotencyKey: "job-key-1",
	}
}

func TestHTTPClientSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/actions", r.URL.Path)
		assert.Equal(t, "job-key-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body ActionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "adset-9", body.EntityID)
		assert.Equal(t, 130.0, body.Params.Budget.To)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"remoteId":"r-1","applied":"130.00"}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL + "/", Token: "tok"})
	require.NoError(t, err)
	res, err := c.Execute(context.Background(), budgetRequest())
	require.NoError(t, err)
	assert.Equal(t, models.ActionBudgetIncrease, res.Kind)
	assert.Equal(t, "r-1", res.RemoteID)
	assert.Equal(t, "130.00", res.Applied)
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"applied":"PAUSED"}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, Retries: 1})
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), budgetRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPClientDoesNotRetryRejections(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "budget below minimum", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c, err := NewHTTPClient(HTTPClientConfig{BaseURL: srv.URL, Retries: 3})
	require.NoError(t, err)
	_, err = c.Execute(context.Background(), budgetRequest())
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "budget below minimum")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPClientRequiresKey(t *testing.T) {
	c, err := NewHTTPClient(HTTPClientConfig{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	req := budgetRequest()
	req.IdempotencyKey = ""
	_, err = c.Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrRejected)
}

func TestDryRun(t *testing.T) {
	res, err := DryRun{}.Execute(context.Background(), budgetRequest())
	require.NoError(t, err)
	assert.Equal(t, "130.00", res.Applied)
}

package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"k1s0/errors"
	"k1s0/saga"
)

func TestNewHTTPExecutor_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPExecutor(HTTPConfig{})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestHTTPExecutor_Invoke(t *testing.T) {
	var gotPath, gotToken, gotType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Api-Key")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reservation_id":"r-9"}`))
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL + "/", Headers: map[string]string{"X-Api-Key": "k"}})
	require.NoError(t, err)

	out, err := exec.Invoke(context.Background(), "inventory", "reserve", saga.Payload{"sku": "A-1", "qty": 2})
	require.NoError(t, err)

	assert.Equal(t, "/inventory/reserve", gotPath)
	assert.Equal(t, "k", gotToken)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, map[string]any{"sku": "A-1", "qty": float64(2)}, gotBody)
	assert.Equal(t, saga.Payload{"reservation_id": "r-9"}, out)
}

func TestHTTPExecutor_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := exec.Invoke(context.Background(), "svc", "op", nil)
	require.NoError(t, err)
	assert.Equal(t, saga.Payload{}, out)
}

func TestHTTPExecutor_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient funds", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = exec.Invoke(context.Background(), "payment", "charge", saga.Payload{})
	require.Error(t, err)
	assert.Equal(t, "payment.charge returned HTTP 422: insufficient funds", err.Error())
}

func TestHTTPExecutor_Deadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	exec, err := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = exec.Invoke(ctx, "svc", "slow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, errors.ErrCodeNetwork, errors.GetErrorCode(err))
}

func TestHTTPExecutor_PropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "parent")
	defer span.End()

	_, err = exec.Invoke(ctx, "svc", "op", nil)
	require.NoError(t, err)
	assert.Contains(t, traceparent, span.SpanContext().TraceID().String())
}

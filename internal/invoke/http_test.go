package invoke

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagehand/pkg/schema"
)

func TestHTTPInvoker_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/agents/agent-1/invoke", r.URL.Path)

		var req invokeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "write a haiku", req.Instructions)

		_ = json.NewEncoder(w).Encode(Result{
			Content:   "five seven five",
			AgentName: "Basho",
			AgentRole: "Poet",
		})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{BaseURL: srv.URL})
	result, err := inv.Invoke(context.Background(), "agent-1", "write a haiku")
	require.NoError(t, err)
	assert.Equal(t, "five seven five", result.Content)
	assert.Equal(t, "Basho", result.AgentName)
	assert.Equal(t, "Poet", result.AgentRole)
}

func TestHTTPInvoker_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "provider unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{BaseURL: srv.URL})
	_, err := inv.Invoke(context.Background(), "agent-1", "do work")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvocationFailed, schema.CodeOf(err))

	ee := err.(*schema.EngineError)
	assert.Equal(t, http.StatusBadGateway, ee.Details["status_code"])
}

func TestHTTPInvoker_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Result{AgentName: "x"})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(HTTPInvokerConfig{BaseURL: srv.URL})
	_, err := inv.Invoke(context.Background(), "agent-1", "do work")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvocationFailed, schema.CodeOf(err))
}

func TestHTTPInvoker_ConnectionRefused(t *testing.T) {
	inv := NewHTTPInvoker(HTTPInvokerConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := inv.Invoke(context.Background(), "agent-1", "do work")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvocationFailed, schema.CodeOf(err))
	// Underlying cause is preserved for callers that need it.
	assert.Error(t, err.(*schema.EngineError).Cause)
}

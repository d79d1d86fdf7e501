package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusNotFound, "no client")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"no client"}`, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Operation string `json:"operation"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"operation":"queue_prompt"}`))
	require.NoError(t, DecodeJSON(req, &dst))
	assert.Equal(t, "queue_prompt", dst.Operation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	assert.EqualError(t, DecodeJSON(req, &dst), "request body is empty")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.Error(t, DecodeJSON(req, &dst))
}

func TestSSEFraming(t *testing.T) {
	rec := httptest.NewRecorder()
	SetupSSEHeaders(rec)

	require.NoError(t, SendSSEEvent(rec, rec, "registered", map[string]string{"sessionId": "wf-1"}))
	require.NoError(t, SendSSEChunk(rec, rec, map[string]string{"status": "ok"}))
	require.NoError(t, SendSSEComment(rec, rec, "ping"))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t,
		"event: registered\ndata: {\"sessionId\":\"wf-1\"}\n\n"+
			"data: {\"status\":\"ok\"}\n\n"+
			": ping\n\n",
		rec.Body.String())
	assert.True(t, rec.Flushed)
}

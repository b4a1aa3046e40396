package sinks

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSinkPostsPayload(t *testing.T) {
	received := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, time.Second)
	payload := `{"event":"alert","alertId":"a1"}`
	require.NoError(t, sink.Send([]byte(payload)))

	select {
	case body := <-received:
		assert.Equal(t, payload, string(body))
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestWebhookSinkSwallowsServerErrors(t *testing.T) {
	calls := make(chan struct{}, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls <- struct{}{}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, time.Second)
	assert.NoError(t, sink.Send([]byte(`{"event":"alert"}`)))

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never called")
	}
}

func TestWebhookSinkUnreachableURL(t *testing.T) {
	sink := NewWebhookSink("http://127.0.0.1:1", 200*time.Millisecond)
	assert.NoError(t, sink.Send([]byte(`{"event":"alert"}`)))
}

func TestWebhookSinkHasStableID(t *testing.T) {
	sink := NewWebhookSink("http://127.0.0.1:1", time.Second)
	assert.NotEmpty(t, sink.ID())
	assert.Equal(t, sink.ID(), sink.ID())
}

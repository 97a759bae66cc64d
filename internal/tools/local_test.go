package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExecutor_Handlers(t *testing.T) {
	e := NewLocalExecutor(2, nil)
	e.Register("add", func(_ context.Context, args map[string]any) (string, error) {
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		out, _ := json.Marshal(map[string]float64{"sum": a + b})
		return string(out), nil
	})
	e.Register("fail", func(context.Context, map[string]any) (string, error) {
		return "", errors.New("database offline")
	})
	e.Register("panic", func(context.Context, map[string]any) (string, error) {
		panic("bad handler")
	})

	ctx := context.Background()
	assert.JSONEq(t, `{"sum":5}`, e.Execute(ctx, "add", map[string]any{"a": 2.0, "b": 3.0}))
	assert.Equal(t, "Error: database offline", e.Execute(ctx, "fail", nil))
	assert.Equal(t, `Error: tool "panic" failed`, e.Execute(ctx, "panic", nil))
	assert.Equal(t, `Error: unknown tool "nope"`, e.Execute(ctx, "nope", nil))

	require.NoError(t, e.Close())
	assert.Equal(t, "Error: tool executor closed", e.Execute(ctx, "add", nil))
}

func TestLocalExecutor_Webhook(t *testing.T) {
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Args["city"] == "Atlantis" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("unknown city"))
			return
		}
		_, _ = w.Write([]byte(`{"forecast":"sunny"}`))
	}))
	defer srv.Close()

	e := NewLocalExecutor(0, nil)
	e.RegisterWebhook("get_weather", srv.URL)

	res := e.Execute(context.Background(), "get_weather", map[string]any{"city": "NYC"})
	assert.Equal(t, `{"forecast":"sunny"}`, res)
	assert.Equal(t, "get_weather", got.Name)
	assert.Equal(t, "NYC", got.Args["city"])

	res = e.Execute(context.Background(), "get_weather", map[string]any{"city": "Atlantis"})
	assert.Equal(t, "Error: webhook: status=400 body=unknown city", res)
}

func TestLocalExecutor_CancelledWhileWaitingForSlot(t *testing.T) {
	e := NewLocalExecutor(1, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	e.Register("hold", func(context.Context, map[string]any) (string, error) {
		close(started)
		<-release
		return "done", nil
	})
	go e.Execute(context.Background(), "hold", nil)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, `Error: tool "hold" cancelled`, e.Execute(ctx, "hold", nil))
	close(release)
}

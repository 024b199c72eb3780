package utils

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatGenerator(t *testing.T) {
	req := GenerateRequest{
		APIKey:         "sk-test",
		Model:          "gpt-4o-mini",
		LeadEmail:      "ada@acme.com",
		InboundSubject: "Re: quick question",
		InboundBody:    "Sounds interesting, tell me more",
	}

	t.Run("returns content", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

			var body chatRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "gpt-4o-mini", body.Model)
			assert.Len(t, body.Messages, 2)

			w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" <p>Happy to!</p> "}}]}`))
		}))
		defer srv.Close()

		g := NewChatGenerator(srv.URL, srv.Client(), 100)
		out, err := g.Generate(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "<p>Happy to!</p>", out)
	})

	t.Run("retries server errors", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
		}))
		defer srv.Close()

		g := NewChatGenerator(srv.URL, srv.Client(), 100).WithBackoff(3, time.Millisecond, 5*time.Millisecond)
		out, err := g.Generate(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		g := NewChatGenerator(srv.URL, srv.Client(), 100).WithBackoff(3, time.Millisecond, 5*time.Millisecond)
		_, err := g.Generate(context.Background(), req)
		assert.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("missing key", func(t *testing.T) {
		g := NewChatGenerator("http://unused", nil, 1)
		_, err := g.Generate(context.Background(), GenerateRequest{})
		assert.Error(t, err)
	})
}

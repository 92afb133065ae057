package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLogSender_Send(t *testing.T) {
	sender := NewLogSender(zap.NewNop())
	result := sender.Send(context.Background(), OutboundMessage{
		Channel: "email",
		Contact: "jo@example.com",
		Body:    "hello",
	})
	assert.True(t, result.Success)
	assert.Equal(t, "log", result.ProviderMessageID)
}

func TestWebhookSender_Send(t *testing.T) {
	t.Run("posts message and reads ack", func(t *testing.T) {
		var received OutboundMessage
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			_ = json.NewEncoder(w).Encode(map[string]string{"message_id": "prov-123"})
		}))
		defer server.Close()

		sender := NewWebhookSender(server.URL, 5*time.Second, zap.NewNop())
		result := sender.Send(context.Background(), OutboundMessage{
			Channel: "sms",
			Contact: "+15550100",
			Body:    "Your quote is waiting.",
		})

		assert.True(t, result.Success)
		assert.Equal(t, "prov-123", result.ProviderMessageID)
		assert.Equal(t, "sms", received.Channel)
		assert.Equal(t, "+15550100", received.Contact)
	})

	t.Run("2xx without ack body still succeeds", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		sender := NewWebhookSender(server.URL, 5*time.Second, zap.NewNop())
		result := sender.Send(context.Background(), OutboundMessage{Channel: "email", Contact: "jo@example.com"})
		assert.True(t, result.Success)
		assert.Empty(t, result.ProviderMessageID)
	})

	t.Run("non-2xx reported in-band", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		}))
		defer server.Close()

		sender := NewWebhookSender(server.URL, 5*time.Second, zap.NewNop())
		result := sender.Send(context.Background(), OutboundMessage{Channel: "email", Contact: "jo@example.com"})
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "429")
		assert.Contains(t, result.Error, "rate limited")
	})

	t.Run("unreachable provider reported in-band", func(t *testing.T) {
		sender := NewWebhookSender("http://127.0.0.1:1", time.Second, zap.NewNop())
		result := sender.Send(context.Background(), OutboundMessage{Channel: "email", Contact: "jo@example.com"})
		assert.False(t, result.Success)
		assert.NotEmpty(t, result.Error)
	})
}

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramSenderPostsMessage(t *testing.T) {
	var gotPath string
	var got telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok-123", "chat-9")
	s.baseURL = srv.URL

	err := s.Send(context.Background(), "Position degraded", "AAPL adopted venue quantity 80")
	require.NoError(t, err)

	assert.Equal(t, "/bottok-123/sendMessage", gotPath)
	assert.Equal(t, "chat-9", got.ChatID)
	assert.Contains(t, got.Text, "Position degraded")
	assert.Contains(t, got.Text, "AAPL")
	assert.True(t, got.NoPreview)
}

func TestTelegramSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "chat")
	s.baseURL = srv.URL

	err := s.Send(context.Background(), "title", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestDiscordSenderPostsEmbed(t *testing.T) {
	var got discordWebhook
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)

	err := s.Send(context.Background(), "Stop moved", "AAPL stop to breakeven at 2.0R")
	require.NoError(t, err)

	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "Stop moved", got.Embeds[0].Title)
	assert.Contains(t, got.Embeds[0].Description, "breakeven")
	assert.Equal(t, discordEmbedColor, got.Embeds[0].Color)
}

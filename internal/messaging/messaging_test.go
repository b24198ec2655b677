package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	cfg := DefaultConfig()
	cfg.BotToken = "test-token"
	cfg.BaseURL = srv.URL
	cfg.RateLimit = 1000
	c, err := New(cfg, nil)
	require.NoError(t, err)
	return c, srv
}

func TestNew_RequiresBotToken(t *testing.T) {
	cfg := DefaultConfig()
	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestSendMessage_Success(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/sendMessage")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":     true,
			"result": map[string]interface{}{"message_id": 42},
		})
	})
	defer srv.Close()

	res, err := c.SendMessage(context.Background(), "123", "hello", "", false)
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, int64(42), res.MessageID)
}

func TestSendMessage_RateLimited(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":          false,
			"description": "Too Many Requests",
			"parameters":  map[string]interface{}{"retry_after": 3},
		})
	})
	defer srv.Close()

	res, err := c.SendMessage(context.Background(), "123", "hello", "", false)
	require.NoError(t, err)
	require.False(t, res.OK)
	require.NotZero(t, res.RetryAfter)
}

func TestSendMessage_ServerError(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})
	defer srv.Close()

	res, err := c.SendMessage(context.Background(), "123", "hello", "", false)
	require.NoError(t, err)
	require.False(t, res.OK)
	require.NotEmpty(t, res.Error)
}

func TestSendMessage_PermanentClientError(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":          false,
			"description": "chat not found",
		})
	})
	defer srv.Close()

	res, err := c.SendMessage(context.Background(), "bad-chat", "hello", "", false)
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, "chat not found", res.Error)
}

func TestSendMessage_TruncatesOverlongText(t *testing.T) {
	var gotText string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotText = r.FormValue("text")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "result": map[string]interface{}{}})
	})
	defer srv.Close()

	longText := make([]rune, MaxTextLength+500)
	for i := range longText {
		longText[i] = 'a'
	}
	_, err := c.SendMessage(context.Background(), "123", string(longText), "", false)
	require.NoError(t, err)
	require.Len(t, []rune(gotText), MaxTextLength)
}

func TestTestConnection_Success(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/getMe")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":     true,
			"result": map[string]interface{}{"username": "signalpipe_bot"},
		})
	})
	defer srv.Close()

	res, err := c.TestConnection(context.Background())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "signalpipe_bot", res.BotUsername)
}

func TestTestConnection_Unauthorized(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":          false,
			"description": "Unauthorized",
		})
	})
	defer srv.Close()

	res, err := c.TestConnection(context.Background())
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, "Unauthorized", res.Error)
}

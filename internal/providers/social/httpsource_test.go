package social

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cryptopulse/signalpipe/pkg/apperrors"
)

func TestNewHTTPSource_RejectsUnsupportedBackend(t *testing.T) {
	_, err := NewHTTPSource(HTTPConfig{Backend: BackendOff, BaseURL: "http://example.test"})
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.KindValidation))
}

func TestHTTPSource_FetchUserTweets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tweets", r.URL.Path)
		require.Equal(t, "alice", r.URL.Query().Get("handle"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"posts":[{"id":"1","author":"alice","text":"hi","created_at":"2026-01-01T00:00:00Z","urls":["https://x.test"]}]}`))
	}))
	defer srv.Close()

	s, err := NewHTTPSource(HTTPConfig{Backend: BackendAPI, BaseURL: srv.URL, APIKey: "tok", TimeoutMS: 2000})
	require.NoError(t, err)

	posts, err := s.FetchUserTweets(context.Background(), "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	require.Equal(t, "1", posts[0].ID)
	require.Equal(t, []string{"https://x.test"}, posts[0].URLs)
}

func TestHTTPSource_FetchUserProfile_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"found":false}`))
	}))
	defer srv.Close()

	s, err := NewHTTPSource(HTTPConfig{Backend: BackendGraphQL, BaseURL: srv.URL})
	require.NoError(t, err)

	profile, err := s.FetchUserProfile(context.Background(), "alice")
	require.NoError(t, err)
	require.Nil(t, profile)
}

func TestHTTPSource_get_ClassifiesUpstreamAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s, err := NewHTTPSource(HTTPConfig{Backend: BackendApify, BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = s.FetchUserTweets(context.Background(), "alice", "", 0)
	require.Error(t, err)
	require.True(t, apperrors.Is(err, apperrors.KindUpstreamAuth))
}

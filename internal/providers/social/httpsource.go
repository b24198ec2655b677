package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cryptopulse/signalpipe/internal/providers/httpkit"
	"github.com/cryptopulse/signalpipe/pkg/apperrors"
)

// HTTPConfig holds one backend's SOCIAL_<BACKEND>_* env set. The graphql,
// api, and apify backends all speak this same request/response shape in
// this deployment (a thin normalizing gateway sits in front of whichever
// upstream is actually configured), so one HTTPSource type serves all
// three, distinguished only by Backend for logging and MultiSource
// fall-through ordering.
type HTTPConfig struct {
	Backend   Backend
	BaseURL   string
	APIKey    string
	TimeoutMS int
}

type tweetsResponse struct {
	Posts []struct {
		ID        string    `json:"id"`
		Author    string    `json:"author"`
		Text      string    `json:"text"`
		CreatedAt time.Time `json:"created_at"`
		URLs      []string  `json:"urls"`
	} `json:"posts"`
}

type profileResponse struct {
	Handle    string    `json:"handle"`
	AvatarURL string    `json:"avatar_url"`
	TS        time.Time `json:"ts"`
	Found     bool      `json:"found"`
}

// HTTPSource is the HTTP-backed Source implementation for the graphql, api,
// and apify backends.
type HTTPSource struct {
	cfg    HTTPConfig
	client *http.Client
	base   string
}

// NewHTTPSource builds an HTTPSource for cfg.Backend. Construction fails if
// BaseURL is blank or cfg.Backend isn't one of graphql/api/apify.
func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	switch cfg.Backend {
	case BackendGraphQL, BackendAPI, BackendApify:
	default:
		return nil, apperrors.Validation("unsupported social HTTP backend %q", cfg.Backend)
	}
	if cfg.BaseURL == "" {
		return nil, apperrors.New(apperrors.KindValidation, fmt.Sprintf("social backend %s base URL not configured", cfg.Backend))
	}
	client, normalized, err := httpkit.NewClientWithBaseURL(httpkit.ClientConfig{
		BaseURL: cfg.BaseURL,
		Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}, httpkit.DefaultClientDefaults())
	if err != nil {
		return nil, err
	}
	return &HTTPSource{cfg: cfg, client: client, base: normalized}, nil
}

func (s *HTTPSource) Backend() Backend { return s.cfg.Backend }

// FetchUserTweets implements Source.
func (s *HTTPSource) FetchUserTweets(ctx context.Context, handle, sinceID string, limit int) ([]Post, error) {
	vals := url.Values{}
	vals.Set("handle", handle)
	if sinceID != "" {
		vals.Set("since_id", sinceID)
	}
	if limit > 0 {
		vals.Set("limit", strconv.Itoa(limit))
	}

	var parsed tweetsResponse
	if err := s.get(ctx, "/tweets?"+vals.Encode(), &parsed); err != nil {
		return nil, err
	}

	posts := make([]Post, 0, len(parsed.Posts))
	for _, p := range parsed.Posts {
		posts = append(posts, Post{ID: p.ID, Author: p.Author, Text: p.Text, CreatedAt: p.CreatedAt, URLs: p.URLs})
	}
	return posts, nil
}

// FetchUserProfile implements Source.
func (s *HTTPSource) FetchUserProfile(ctx context.Context, handle string) (*Profile, error) {
	vals := url.Values{}
	vals.Set("handle", handle)

	var parsed profileResponse
	if err := s.get(ctx, "/profile?"+vals.Encode(), &parsed); err != nil {
		return nil, err
	}
	if !parsed.Found {
		return nil, nil
	}
	return &Profile{Handle: parsed.Handle, AvatarURL: parsed.AvatarURL, TS: parsed.TS}, nil
}

func (s *HTTPSource) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+path, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.KindValidation, "build "+string(s.cfg.Backend)+" request", err)
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+httpkit.TrimOrEmpty(s.cfg.APIKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.UpstreamTimeout(string(s.cfg.Backend), err)
	}
	defer resp.Body.Close()

	body, err := httpkit.ReadAllStrict(resp.Body, httpkit.DefaultClientDefaults().MaxBodyBytes)
	if err != nil {
		return apperrors.Wrap(apperrors.KindUpstreamTransient, "read "+string(s.cfg.Backend)+" response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperrors.UpstreamAuth(string(s.cfg.Backend), fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperrors.UpstreamTransient(string(s.cfg.Backend), fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return apperrors.UpstreamPermanent(string(s.cfg.Backend), fmt.Errorf("status %d", resp.StatusCode))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.Parse(string(s.cfg.Backend)+" response", err)
	}
	return nil
}

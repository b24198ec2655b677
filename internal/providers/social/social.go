// Package social implements the social source provider: a closed
// set of backend tags (graphql|api|apify|off|mock) behind one Source
// interface, and a MultiSource wrapper that tries an ordered backend
// list, falling through to the next backend on any error and degrading
// to an empty result only once the whole list is exhausted.
package social

import (
	"context"
	"time"

	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
)

// Backend is the closed set of social-source transports a MultiSource
// entry may name.
type Backend string

const (
	BackendGraphQL Backend = "graphql"
	BackendAPI     Backend = "api"
	BackendApify   Backend = "apify"
	BackendOff     Backend = "off"
	BackendMock    Backend = "mock"
)

// Post is one fetched tweet-equivalent, independent of backend.
type Post struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	URLs      []string  `json:"urls"`
}

// Profile is a fetched account profile, or nil if the account has none.
type Profile struct {
	Handle    string    `json:"handle"`
	AvatarURL string    `json:"avatar_url"`
	TS        time.Time `json:"ts"`
}

// Source is the transport every social backend implements.
type Source interface {
	Backend() Backend
	FetchUserTweets(ctx context.Context, handle, sinceID string, limit int) ([]Post, error)
	FetchUserProfile(ctx context.Context, handle string) (*Profile, error)
}

// MultiSource tries each configured backend in order, falling through to
// the next on any error; exhaustion returns an empty result with no
// error, logging a degrade event per the documented contract.
type MultiSource struct {
	sources []Source
	log     *logger.Logger
}

// NewMultiSource builds a MultiSource trying backends in the given order.
func NewMultiSource(sources []Source, log *logger.Logger) *MultiSource {
	if log == nil {
		log = logger.NewFromEnv("social")
	}
	return &MultiSource{sources: sources, log: log}
}

// FetchUserTweets tries each backend in order for handle's tweets since
// sinceID (empty means "fetch default window").
func (m *MultiSource) FetchUserTweets(ctx context.Context, handle, sinceID string, limit int) ([]Post, error) {
	for _, src := range m.sources {
		posts, err := src.FetchUserTweets(ctx, handle, sinceID, limit)
		if err == nil {
			return posts, nil
		}
		m.log.WithContext(ctx).WithFields(map[string]interface{}{
			"handle": handle, "backend": src.Backend(), "error": err.Error(),
		}).Warn("social backend failed, trying next")
	}
	m.log.WithContext(ctx).WithField("handle", handle).Warn("social sources exhausted, degrading to empty result")
	return nil, nil
}

// FetchUserProfile tries each backend in order for handle's profile.
func (m *MultiSource) FetchUserProfile(ctx context.Context, handle string) (*Profile, error) {
	for _, src := range m.sources {
		profile, err := src.FetchUserProfile(ctx, handle)
		if err == nil {
			return profile, nil
		}
		m.log.WithContext(ctx).WithFields(map[string]interface{}{
			"handle": handle, "backend": src.Backend(), "error": err.Error(),
		}).Warn("social backend failed, trying next")
	}
	m.log.WithContext(ctx).WithField("handle", handle).Warn("social sources exhausted, degrading to empty result")
	return nil, nil
}

// OffSource is a disabled backend: every call succeeds immediately with
// an empty result, letting an operator remove a backend from rotation
// without deleting its MultiSource list entry.
type OffSource struct{}

func (OffSource) Backend() Backend { return BackendOff }

func (OffSource) FetchUserTweets(context.Context, string, string, int) ([]Post, error) {
	return nil, nil
}

func (OffSource) FetchUserProfile(context.Context, string) (*Profile, error) {
	return nil, nil
}

// MockSource serves canned fixtures, used in tests and local development
// in place of a live graphql/api/apify backend.
type MockSource struct {
	Tweets   map[string][]Post
	Profiles map[string]*Profile
}

func (MockSource) Backend() Backend { return BackendMock }

func (m MockSource) FetchUserTweets(_ context.Context, handle, _ string, limit int) ([]Post, error) {
	posts := m.Tweets[handle]
	if limit > 0 && len(posts) > limit {
		posts = posts[:limit]
	}
	return posts, nil
}

func (m MockSource) FetchUserProfile(_ context.Context, handle string) (*Profile, error) {
	return m.Profiles[handle], nil
}

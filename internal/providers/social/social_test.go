package social

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type failingSource struct {
	backend Backend
}

func (f failingSource) Backend() Backend { return f.backend }

func (f failingSource) FetchUserTweets(context.Context, string, string, int) ([]Post, error) {
	return nil, errors.New("boom")
}

func (f failingSource) FetchUserProfile(context.Context, string) (*Profile, error) {
	return nil, errors.New("boom")
}

func TestMultiSource_FallsThroughOnError(t *testing.T) {
	mock := MockSource{Tweets: map[string][]Post{
		"alice": {{ID: "1", Author: "alice", Text: "hi", CreatedAt: time.Now()}},
	}}
	ms := NewMultiSource([]Source{failingSource{backend: BackendGraphQL}, mock}, nil)

	posts, err := ms.FetchUserTweets(context.Background(), "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	require.Equal(t, "1", posts[0].ID)
}

func TestMultiSource_ExhaustionDegradesToEmptyWithoutError(t *testing.T) {
	ms := NewMultiSource([]Source{failingSource{backend: BackendGraphQL}, failingSource{backend: BackendAPI}}, nil)

	posts, err := ms.FetchUserTweets(context.Background(), "alice", "", 10)
	require.NoError(t, err)
	require.Nil(t, posts)
}

func TestOffSource_AlwaysEmpty(t *testing.T) {
	off := OffSource{}
	posts, err := off.FetchUserTweets(context.Background(), "alice", "", 10)
	require.NoError(t, err)
	require.Nil(t, posts)

	profile, err := off.FetchUserProfile(context.Background(), "alice")
	require.NoError(t, err)
	require.Nil(t, profile)
}

func TestMockSource_RespectsLimit(t *testing.T) {
	mock := MockSource{Tweets: map[string][]Post{
		"bob": {{ID: "1"}, {ID: "2"}, {ID: "3"}},
	}}
	posts, err := mock.FetchUserTweets(context.Background(), "bob", "", 2)
	require.NoError(t, err)
	require.Len(t, posts, 2)
}

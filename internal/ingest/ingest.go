// Package ingest implements the ingestion pollers: per-account
// fan-out that reads a KV cursor, fetches posts since that cursor,
// deduplicates by native id and content fingerprint, normalizes each
// post's extracted assets, and persists it inside a single
// per-handle transaction — a failure on one handle never rolls back
// another handle's work.
package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cryptopulse/signalpipe/internal/kvstore"
	"github.com/cryptopulse/signalpipe/internal/providers/social"
	"github.com/cryptopulse/signalpipe/internal/refine"
	"github.com/cryptopulse/signalpipe/internal/store"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
)

// DedupTTL is the documented 14-day window dedup marks are held for.
const DedupTTL = 14 * 24 * time.Hour

// TweetFetcher is the subset of social.MultiSource a poller needs.
type TweetFetcher interface {
	FetchUserTweets(ctx context.Context, handle, sinceID string, limit int) ([]social.Post, error)
}

// CursorStore is the subset of *kvstore.Store a poller needs for cursor
// tracking and dedup marks.
type CursorStore interface {
	GetCursor(ctx context.Context, source, handle string) (string, bool, error)
	SetCursor(ctx context.Context, source, handle, value string) error
	DedupCheck(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Config controls poller batch size, sourced from the ingestion env set.
type Config struct {
	Source     string // e.g. "x"
	FetchLimit int
}

// DefaultConfig applies a conservative per-poll fetch cap.
func DefaultConfig() Config {
	return Config{Source: "x", FetchLimit: 100}
}

// Poller runs one source's ingestion pass across a set of handles.
type Poller struct {
	cfg     Config
	fetcher TweetFetcher
	kv      CursorStore
	rel     *store.Store
	log     *logger.Logger
}

// New constructs a Poller.
func New(cfg Config, fetcher TweetFetcher, kv CursorStore, rel *store.Store, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.NewFromEnv("ingest")
	}
	return &Poller{cfg: cfg, fetcher: fetcher, kv: kv, rel: rel, log: log}
}

// Result summarizes one handle's poll.
type Result struct {
	Handle    string
	Fetched   int
	Persisted int
	Skipped   int
	Err       error
}

// PollHandles runs one pass over every configured handle, isolating
// failures per handle ("a failure on one handle rolls
// back only that handle's transaction" contract). It never returns early
// on a single handle's error; the aggregate error (if any) is a
// multierror of all handles' failures.
func (p *Poller) PollHandles(ctx context.Context, handles []string) ([]Result, error) {
	results := make([]Result, 0, len(handles))
	var errs *multierror.Error

	for _, handle := range handles {
		res := p.pollOne(ctx, handle)
		results = append(results, res)
		if res.Err != nil {
			p.log.WithContext(ctx).WithField("handle", handle).WithField("source", p.cfg.Source).Warn("poll handle failed: " + res.Err.Error())
			errs = multierror.Append(errs, res.Err)
		}
	}
	return results, errs.ErrorOrNil()
}

func (p *Poller) pollOne(ctx context.Context, handle string) Result {
	res := Result{Handle: handle}

	cursor, _, err := p.kv.GetCursor(ctx, p.cfg.Source, handle)
	if err != nil {
		res.Err = err
		return res
	}

	posts, err := p.fetcher.FetchUserTweets(ctx, handle, cursor, p.cfg.FetchLimit)
	if err != nil {
		res.Err = err
		return res
	}
	res.Fetched = len(posts)
	if len(posts) == 0 {
		return res
	}

	maxID := cursor
	err = p.rel.WithTx(ctx, func(ctx context.Context) error {
		for _, post := range posts {
			persisted, err := p.persistOne(ctx, handle, post)
			if err != nil {
				return err
			}
			if persisted {
				res.Persisted++
			} else {
				res.Skipped++
			}
			if numericGreater(post.ID, maxID) {
				maxID = post.ID
			}
		}
		return nil
	})
	if err != nil {
		res.Err = err
		return res
	}

	if maxID != cursor && maxID != "" {
		if err := p.kv.SetCursor(ctx, p.cfg.Source, handle, maxID); err != nil {
			res.Err = err
		}
	}
	return res
}

// persistOne dedups by native post id and content fingerprint, normalizes
// the post's extracted assets, and inserts the RawPost. It reports
// whether the post was actually persisted (false means a dedup hit).
func (p *Poller) persistOne(ctx context.Context, handle string, post social.Post) (bool, error) {
	isoTS := post.CreatedAt.UTC().Format(time.RFC3339)
	fingerprint := kvstore.Fingerprint(p.cfg.Source, post.Author, isoTS, post.Text)

	nativeKey := "dedup:x:" + post.ID
	fpKey := "dedup:fp:" + fingerprint

	seenByID, err := p.kv.DedupCheck(ctx, nativeKey, DedupTTL)
	if err != nil {
		return false, err
	}
	seenByFP, err := p.kv.DedupCheck(ctx, fpKey, DedupTTL)
	if err != nil {
		return false, err
	}
	if seenByID || seenByFP {
		return false, nil
	}

	symbols := refine.ExtractSymbols(post.Text)
	contracts := refine.ExtractContracts(post.Text)

	var tokenCA, symbol *string
	if len(contracts) > 0 {
		tokenCA = &contracts[0]
	}
	if len(symbols) > 0 {
		s := "$" + symbols[0]
		symbol = &s
	}

	nativeID := post.ID
	_, dup, err := p.rel.InsertRawPost(ctx, store.RawPost{
		Source:       p.cfg.Source,
		Author:       post.Author,
		Text:         post.Text,
		TS:           post.CreatedAt,
		URLs:         toJSONList(post.URLs),
		TokenCA:      tokenCA,
		Symbol:       symbol,
		IsCandidate:  tokenCA != nil || symbol != nil,
		NativePostID: &nativeID,
	})
	if err != nil {
		return false, err
	}
	if dup {
		return false, nil
	}
	return true, nil
}

func toJSONList(urls []string) store.JSONList {
	out := make(store.JSONList, len(urls))
	for i, u := range urls {
		out[i] = u
	}
	return out
}

// numericGreater compares two numeric post ids as integers, not strings,
// so "101" advances past "99".
func numericGreater(candidate, current string) bool {
	if candidate == "" {
		return false
	}
	if current == "" {
		return true
	}
	c, errC := strconv.ParseInt(candidate, 10, 64)
	cur, errCur := strconv.ParseInt(current, 10, 64)
	if errC != nil || errCur != nil {
		return candidate > current
	}
	return c > cur
}

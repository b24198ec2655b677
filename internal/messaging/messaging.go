// Package messaging implements the card-delivery messaging client:
// a Telegram Bot API transport behind the abstract send_message /
// test_connection contract the outbox dispatcher drives, rate-limited
// with a per-process token bucket and guarded by a circuit breaker the
// same way the upstream provider clients are.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cryptopulse/signalpipe/internal/providers/httpkit"
	"github.com/cryptopulse/signalpipe/internal/providers/ratelimit"
	"github.com/cryptopulse/signalpipe/internal/resilience"
	"github.com/cryptopulse/signalpipe/pkg/apperrors"
	"github.com/cryptopulse/signalpipe/pkg/telemetry/logger"
)

// MaxTextLength is the documented Telegram message cap.
const MaxTextLength = 4096

// SendResult is send_message's documented response shape.
type SendResult struct {
	OK         bool
	MessageID  int64
	Error      string
	ErrorCode  string
	StatusCode int
	RetryAfter time.Duration
}

// ConnectionResult is test_connection's documented response shape.
type ConnectionResult struct {
	OK          bool
	BotUsername string
	Error       string
}

// Config controls the Telegram transport, sourced from the TG_* env set.
type Config struct {
	BotToken    string
	BaseURL     string // defaults to https://api.telegram.org
	RateLimit   int    // requests per second, TG_RATE_LIMIT
	TimeoutSecs int
	Sandbox     bool
}

// DefaultConfig matches appconfig.TelegramConfig's documented defaults.
func DefaultConfig() Config {
	return Config{BaseURL: "https://api.telegram.org", RateLimit: 20, TimeoutSecs: 10}
}

// Client is the Telegram-backed messaging client.
type Client struct {
	cfg     Config
	client  *http.Client
	bucket  *ratelimit.Bucket
	breaker *resilience.CircuitBreaker
	log     *logger.Logger
}

// New constructs a Client. Construction fails if BotToken is blank — a
// required credential is missing.
func New(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.BotToken == "" {
		return nil, apperrors.Validation("messaging: TG_BOT_TOKEN is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 10
	}
	if log == nil {
		log = logger.NewFromEnv("messaging")
	}

	httpClient, err := httpkit.NewClient(httpkit.ClientConfig{
		Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
	}, httpkit.DefaultClientDefaults())
	if err != nil {
		return nil, fmt.Errorf("build http client: %w", err)
	}

	return &Client{
		cfg:     cfg,
		client:  httpClient,
		bucket:  ratelimit.NewBucket(float64(cfg.RateLimit) * 60),
		breaker: resilience.New(resilience.LenientProviderCBConfig("telegram", log)),
		log:     log,
	}, nil
}

type tgResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *tgParameters   `json:"parameters"`
	Result      json.RawMessage `json:"result"`
}

type tgParameters struct {
	RetryAfter int `json:"retry_after"`
}

type tgMessageResult struct {
	MessageID int64 `json:"message_id"`
}

type tgMeResult struct {
	Username string `json:"username"`
}

// SendMessage implements the send_message(chat_id, text, parse_mode,
// disable_notification) contract, truncating text that exceeds
// MaxTextLength rather than letting the upstream reject it outright.
func (c *Client) SendMessage(ctx context.Context, chatID, text, parseMode string, disableNotification bool) (SendResult, error) {
	if len([]rune(text)) > MaxTextLength {
		text = string([]rune(text)[:MaxTextLength])
	}
	if err := c.bucket.Acquire(ctx, 1); err != nil {
		return SendResult{}, err
	}

	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", text)
	if parseMode != "" {
		form.Set("parse_mode", parseMode)
	}
	if disableNotification {
		form.Set("disable_notification", "true")
	}

	var out tgResponse
	err := c.breaker.Execute(ctx, func() error {
		p, err := c.post(ctx, "sendMessage", form)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return SendResult{OK: false, Error: "circuit open"}, nil
		}
		return SendResult{OK: false, Error: err.Error()}, nil
	}

	result := SendResult{OK: out.OK, StatusCode: httpStatusFor(out)}
	if !out.OK {
		result.Error = out.Description
		result.ErrorCode = strconv.Itoa(out.ErrorCode)
		if out.Parameters != nil && out.Parameters.RetryAfter > 0 {
			result.RetryAfter = time.Duration(out.Parameters.RetryAfter) * time.Second
		}
		return result, nil
	}
	var msg tgMessageResult
	if err := json.Unmarshal(out.Result, &msg); err == nil {
		result.MessageID = msg.MessageID
	}
	return result, nil
}

// TestConnection implements the test_connection() contract via the
// getMe endpoint.
func (c *Client) TestConnection(ctx context.Context) (ConnectionResult, error) {
	if err := c.bucket.Acquire(ctx, 1); err != nil {
		return ConnectionResult{}, err
	}
	var out tgResponse
	err := c.breaker.Execute(ctx, func() error {
		p, err := c.post(ctx, "getMe", nil)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return ConnectionResult{OK: false, Error: err.Error()}, nil
	}
	if !out.OK {
		return ConnectionResult{OK: false, Error: out.Description}, nil
	}
	var me tgMeResult
	if err := json.Unmarshal(out.Result, &me); err != nil {
		return ConnectionResult{OK: false, Error: "malformed getMe response"}, nil
	}
	return ConnectionResult{OK: true, BotUsername: me.Username}, nil
}

func (c *Client) post(ctx context.Context, method string, form url.Values) (tgResponse, error) {
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.cfg.BaseURL, c.cfg.BotToken, method)

	var body *bytes.Reader
	if form != nil {
		body = bytes.NewReader([]byte(form.Encode()))
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return tgResponse{}, apperrors.Parse("telegram request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return tgResponse{}, apperrors.UpstreamTransient("telegram", err)
	}
	defer resp.Body.Close()

	raw, err := httpkit.ReadAllStrict(resp.Body, 1<<20)
	if err != nil {
		return tgResponse{}, apperrors.Parse("telegram response body", err)
	}

	if resp.StatusCode >= 500 {
		return tgResponse{}, apperrors.UpstreamTransient("telegram", fmt.Errorf("status %d", resp.StatusCode))
	}
	var parsed tgResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return tgResponse{}, apperrors.Parse("telegram response json", err)
	}
	// 4xx (429 included) parses fine and carries error_code/retry_after in
	// the body; the caller classifies it from the parsed response rather
	// than an error, so the dispatcher can route retry-after vs DLQ. Only
	// 5xx/network failures count against the circuit breaker.
	return parsed, nil
}

func httpStatusFor(r tgResponse) int {
	if r.OK {
		return http.StatusOK
	}
	if r.ErrorCode != 0 {
		return r.ErrorCode
	}
	return http.StatusInternalServerError
}

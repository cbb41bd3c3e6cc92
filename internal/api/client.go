package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"hrnotify/internal/notification"
	logx "hrnotify/pkg/logx"
)

var ErrNotFound = errors.New("notification not found")

// StatusError is returned for non-2xx responses other than 404.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: http %d", e.Code)
	}
	return fmt.Sprintf("api: http %d: %s", e.Code, e.Body)
}

// Temporary reports whether the request may succeed on retry.
func (e *StatusError) Temporary() bool { return e.Code >= 500 }

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// RatePerSec caps outgoing requests; 0 disables the limiter.
	RatePerSec int
}

type Client struct {
	cfg     Config
	hc      *http.Client
	log     logx.Logger
	limiter *rate.Limiter
}

func New(cfg Config, hc *http.Client, log logx.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{cfg: cfg, hc: hc, log: log.With(logx.String("comp", "api"))}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return c
}

// List fetches the full notification list. The server may answer with a
// bare array or a paged envelope; anything else yields an empty list.
func (c *Client) List(ctx context.Context) ([]notification.Message, error) {
	body, err := c.do(ctx, http.MethodGet, "/notifications", nil)
	if err != nil {
		return nil, err
	}
	return c.decodeList(body), nil
}

func (c *Client) decodeList(body []byte) []notification.Message {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		c.log.Warn("empty notification list response")
		return []notification.Message{}
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			c.log.Warn("unexpected notification list shape", logx.Err(err))
			return []notification.Message{}
		}
		return c.decodeItems(items)
	case '{':
		var env struct {
			Content *[]json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(trimmed, &env); err != nil || env.Content == nil {
			c.log.Warn("unexpected notification list shape", logx.Err(err))
			return []notification.Message{}
		}
		return c.decodeItems(*env.Content)
	default:
		c.log.Warn("unexpected notification list shape", logx.Int("bytes", len(trimmed)))
		return []notification.Message{}
	}
}

// decodeItems skips records that do not decode and keeps the rest.
func (c *Client) decodeItems(items []json.RawMessage) []notification.Message {
	out := make([]notification.Message, 0, len(items))
	for i, raw := range items {
		var m notification.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			c.log.Warn("notification record skipped", logx.Int("index", i), logx.Err(err))
			continue
		}
		out = append(out, m)
	}
	return out
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	body, err := c.do(ctx, http.MethodGet, "/notifications/unread-count", nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode unread count: %w", err)
	}
	return out.Count, nil
}

func (c *Client) MarkRead(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodPut, "/notifications/"+strconv.FormatInt(id, 10)+"/read", nil)
	return err
}

func (c *Client) MarkAllRead(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPut, "/notifications/read-all", nil)
	return err
}

func (c *Client) Delete(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, "/notifications/"+strconv.FormatInt(id, 10), nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if c.cfg.BaseURL == "" {
		return nil, errors.New("api: base url is not configured")
	}
	attempts := c.cfg.RetryMax + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		body, err := c.once(ctx, method, path, payload)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable(err) || attempt == attempts {
			break
		}

		delay := retryDelay(c.cfg, attempt)
		c.log.Debug("api request failed; retrying",
			logx.String("method", method),
			logx.String("path", path),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(rctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg := strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: msg}
	}
	return body, nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > maxD {
		d = maxD
	}
	if d < 0 {
		return 0
	}
	return d
}

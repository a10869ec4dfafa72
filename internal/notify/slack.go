package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultSlackAPI = "https://slack.com/api"

// Slack posts alerts to a channel with a bot token.
type Slack struct {
	token   string
	channel string
	baseURL string
	client  *http.Client
	logf    func(string, ...interface{})
}

type SlackOption func(*Slack)

// WithBaseURL points the client at another API root (tests).
func WithBaseURL(url string) SlackOption { return func(s *Slack) { s.baseURL = url } }

func WithHTTPClient(c *http.Client) SlackOption { return func(s *Slack) { s.client = c } }

func WithLogf(fn func(string, ...interface{})) SlackOption { return func(s *Slack) { s.logf = fn } }

func NewSlack(token, channel string, opts ...SlackOption) (*Slack, error) {
	if token == "" {
		return nil, errors.New("slack: missing bot token")
	}
	if channel == "" {
		return nil, errors.New("slack: missing channel")
	}
	s := &Slack{
		token:   token,
		channel: channel,
		baseURL: defaultSlackAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
		logf:    func(string, ...interface{}) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Slack) LoginExpired(ctx context.Context, platform, taskID string) error {
	text := fmt.Sprintf(":warning: %s login expired (task %s). Sign in again to resume syncing.", platform, taskID)
	return s.post(ctx, text)
}

// post calls chat.postMessage.
func (s *Slack) post(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"channel": s.channel, "text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat.postMessage request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var result struct {
		OK  bool   `json:"ok"`
		Err string `json:"error"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("parse response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !result.OK {
		return fmt.Errorf("chat.postMessage failed: %s", result.Err)
	}
	s.logf("[slack] alert posted to %s", s.channel)
	return nil
}

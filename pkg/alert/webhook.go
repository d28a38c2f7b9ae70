package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	wecomHost             = "qyapi.weixin.qq.com"
)

// WebhookSink posts alerts to a chat-bot webhook. WeCom endpoints get the
// msgtype/text body, everything else the Feishu msg_type/content body.
type WebhookSink struct {
	url    string
	wecom  bool
	client *http.Client
}

type feishuText struct {
	MsgType string `json:"msg_type"`
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
}

type wecomText struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

func NewWebhookSink(rawURL string, client *http.Client) (*WebhookSink, error) {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid webhook url %q", rawURL)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}

	return &WebhookSink{
		url:    rawURL,
		wecom:  strings.EqualFold(parsed.Hostname(), wecomHost),
		client: client,
	}, nil
}

func (s *WebhookSink) Name() string {
	if s.wecom {
		return "wecom"
	}
	return "webhook"
}

func (s *WebhookSink) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(s.payload(alert.Text()))
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.New("webhook returned " + resp.Status + ": " + strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *WebhookSink) payload(text string) any {
	if s.wecom {
		var p wecomText
		p.MsgType = "text"
		p.Text.Content = text
		return p
	}

	var p feishuText
	p.MsgType = "text"
	p.Content.Text = text
	return p
}

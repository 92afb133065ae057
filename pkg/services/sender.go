package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// OutboundMessage is the rendered message the engine hands to a channel
// sender.
type OutboundMessage struct {
	Channel string `json:"channel"`
	Contact string `json:"contact"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// SendResult is the sender's structured outcome. Transport failures come
// back in-band so the engine can record a failed delivery without special
// cases.
type SendResult struct {
	Success           bool
	ProviderMessageID string
	Error             string
}

// ChannelSender delivers a rendered message through a channel provider
// (email, SMS, ...). Channel transport is an external collaborator; the
// engine only prepares messages.
type ChannelSender interface {
	Send(ctx context.Context, msg OutboundMessage) SendResult
}

// LogSender is the development sender: it logs the message instead of
// delivering it.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a sender that logs outbound messages.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger.Named("log-sender")}
}

func (s *LogSender) Send(_ context.Context, msg OutboundMessage) SendResult {
	s.logger.Info("outbound message (log sender, not delivered)",
		zap.String("channel", msg.Channel),
		zap.String("contact", msg.Contact),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.Body)))
	return SendResult{Success: true, ProviderMessageID: "log"}
}

var _ ChannelSender = (*LogSender)(nil)

// WebhookSender POSTs messages to a provider endpoint as JSON. The provider
// is expected to answer 2xx with an optional {"message_id": "..."} body.
type WebhookSender struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewWebhookSender creates a sender that POSTs to url with the given
// per-request timeout.
func NewWebhookSender(url string, timeout time.Duration, logger *zap.Logger) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("webhook-sender"),
	}
}

func (s *WebhookSender) Send(ctx context.Context, msg OutboundMessage) SendResult {
	payload, err := json.Marshal(msg)
	if err != nil {
		return SendResult{Error: fmt.Sprintf("encode message: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return SendResult{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return SendResult{Error: fmt.Sprintf("provider request failed: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SendResult{Error: fmt.Sprintf("provider returned %d: %s", resp.StatusCode, string(body))}
	}

	var ack struct {
		MessageID string `json:"message_id"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&ack)
	return SendResult{Success: true, ProviderMessageID: ack.MessageID}
}

var _ ChannelSender = (*WebhookSender)(nil)

// Package notify sends operation outcome notifications via Telegram.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stealthvpn/proxyctl/internal/models"
)

// Service defines the interface for notification operations.
type Service interface {
	Send(ctx context.Context, msg models.NotifyMessage) (*models.NotifyResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the notify Service interface. A nil Telegram config
// makes every send a no-op, so callers never have to branch on whether
// notifications are configured.
type Impl struct {
	cfg        *models.TelegramConfig
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new notification service.
func New(logger zerolog.Logger, cfg *models.TelegramConfig) *Impl {
	return &Impl{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a notification service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, cfg *models.TelegramConfig, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Send delivers one formatted operation notification.
func (s *Impl) Send(ctx context.Context, msg models.NotifyMessage) (*models.NotifyResult, error) {
	result := &models.NotifyResult{}
	if s.cfg == nil {
		return result, nil
	}

	s.logger.Info().
		Str("chat_id", s.cfg.ChatID).
		Str("operation", msg.Operation).
		Bool("success", msg.Success).
		Msg("sending notification")

	reqBody := sendMessageRequest{
		ChatID:    s.cfg.ChatID,
		Text:      s.formatMessage(msg),
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send notification: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		result.Error = fmt.Errorf("telegram API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return result, nil
	}

	result.Sent = true
	return result, nil
}

func (s *Impl) formatMessage(msg models.NotifyMessage) string {
	var sb strings.Builder

	if msg.Success {
		sb.WriteString("✅ <b>proxyctl: operation succeeded</b>\n\n")
	} else {
		sb.WriteString("❌ <b>proxyctl: operation failed</b>\n\n")
	}

	fmt.Fprintf(&sb, "<b>Operation:</b> %s\n", msg.Operation)
	if msg.Host != "" {
		fmt.Fprintf(&sb, "<b>Host:</b> %s\n", msg.Host)
	}
	fmt.Fprintf(&sb, "<b>Duration:</b> %s\n", msg.Duration.Round(time.Millisecond))

	if !msg.Success {
		if msg.FailedStep != "" {
			fmt.Fprintf(&sb, "<b>Failed step:</b> %s\n", msg.FailedStep)
		}
		if msg.ErrorMessage != "" {
			fmt.Fprintf(&sb, "<b>Error:</b> <code>%s</code>\n", msg.ErrorMessage)
		}
	}

	return sb.String()
}

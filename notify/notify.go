package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	appconfig "floorwatch/config"
	"floorwatch/logger"
)

// Sender delivers one rendered alert text to one chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// RetryAfterError reports a flood-control rejection and how long the caller
// must wait before retrying.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("flood control: retry after %s", e.After)
}

// Telegram sends messages through the Bot API sendMessage method.
type Telegram struct {
	config     *appconfig.TelegramConfig
	httpClient *http.Client
	log        *logger.Log
}

func NewTelegram(cfg *appconfig.TelegramConfig) *Telegram {
	return &Telegram{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout.Std(),
		},
		log: logger.GetLogger(),
	}
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             t.config.ParseMode,
		DisableWebPagePreview: t.config.DisablePreview,
	})
	if err != nil {
		return fmt.Errorf("marshal sendMessage request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.config.APIURL, t.config.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute sendMessage request: %w", err)
	}
	defer resp.Body.Close()

	var decoded sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode sendMessage response: %w", err)
	}

	if decoded.OK {
		return nil
	}

	if decoded.ErrorCode == http.StatusTooManyRequests && decoded.Parameters != nil {
		return &RetryAfterError{After: time.Duration(decoded.Parameters.RetryAfter) * time.Second}
	}

	return fmt.Errorf("sendMessage failed: %d %s", decoded.ErrorCode, decoded.Description)
}

package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"funding-hedge-bot/internal/config"

	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

// Telegram pushes operator notifications for lifecycle events. Delivery is
// best-effort: callers log failures but never block trading on them.
type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
	}
}

func (t *Telegram) PositionOpened(ctx context.Context, symbol, longVenue, shortVenue string, notionalUSD float64, leverage int, netAPR float64) {
	t.notify(ctx, fmt.Sprintf(
		"Opened %s: long %s / short %s, $%.2f notional at %dx, net spread %.2f%% APR",
		symbol, longVenue, shortVenue, notionalUSD, leverage, netAPR,
	))
}

func (t *Telegram) PositionClosed(ctx context.Context, symbol, reason string, realizedPnL float64) {
	t.notify(ctx, fmt.Sprintf("Closed %s (%s): realized PnL $%.2f", symbol, reason, realizedPnL))
}

func (t *Telegram) StopLossTriggered(ctx context.Context, symbol string, worstLegPnL, stopPercent float64) {
	t.notify(ctx, fmt.Sprintf(
		"Stop-loss on %s: worst leg $%.2f breached the %.1f%% threshold, closing both legs",
		symbol, worstLegPnL, stopPercent,
	))
}

func (t *Telegram) OrphanRepaired(ctx context.Context, symbol, venueName string, quantity float64) {
	t.notify(ctx, fmt.Sprintf("Repaired orphan leg on %s (%s): flattened %.6f", symbol, venueName, quantity))
}

func (t *Telegram) ManualInterventionRequired(ctx context.Context, reason string) {
	t.notify(ctx, "MANUAL INTERVENTION REQUIRED: "+reason)
}

func (t *Telegram) notify(ctx context.Context, message string) {
	if err := t.Send(ctx, message); err != nil {
		t.log.Warn("telegram notification failed", zap.Error(err))
	}
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			desc := strings.TrimSpace(result.Description)
			if desc == "" {
				desc = "unknown telegram error"
			}
			return fmt.Errorf("telegram send failed: %s", desc)
		}
	}
	return nil
}

package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxListedItems 限制消息中列出的交易哈希与错误条数。
const maxListedItems = 5

// Notification 封装一次再平衡执行的告警上下文。
type Notification struct {
	RunID         string
	Vault         string
	Trigger       string
	Status        string
	Intensity     string
	VolatilityBps int64
	SwapTotal     decimal.Decimal
	TxHashes      []string
	Errors        []string
	FinishedAt    time.Time
	AdditionalMsg string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("run_id", note.RunID).
		Str("vault", note.Vault).
		Str("status", note.Status).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Vault Rebalance %s]\n", strings.ToUpper(note.Status)))
	builder.WriteString(fmt.Sprintf("Vault: %s\n", note.Vault))
	builder.WriteString(fmt.Sprintf("Trigger: %s\n", note.Trigger))
	if note.Intensity != "" {
		builder.WriteString(fmt.Sprintf("Intensity: %s\n", note.Intensity))
	}
	builder.WriteString(fmt.Sprintf("Volatility: %d bps\n", note.VolatilityBps))
	if !note.SwapTotal.IsZero() {
		builder.WriteString(fmt.Sprintf("Swapped: %s\n", note.SwapTotal.StringFixed(6)))
	}
	if !note.FinishedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Finished: %s UTC\n", note.FinishedAt.UTC().Format(time.RFC3339)))
	}
	writeList(&builder, "Transactions", note.TxHashes)
	writeList(&builder, "Errors", note.Errors)
	if note.RunID != "" {
		builder.WriteString(fmt.Sprintf("Run: %s\n", note.RunID))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func writeList(builder *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	builder.WriteString(fmt.Sprintf("%s (%d):\n", title, len(items)))
	for i, item := range items {
		if i == maxListedItems {
			builder.WriteString(fmt.Sprintf("  ... %d more\n", len(items)-maxListedItems))
			break
		}
		builder.WriteString("  " + item + "\n")
	}
}

var _ Notifier = (*TelegramNotifier)(nil)

package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func sampleNotification() Notification {
	return Notification{
		RunID:         "run-1",
		Vault:         "0x00000000000000000000000000000000000000aa",
		Trigger:       "volatility",
		Status:        "partial",
		Intensity:     "medium",
		VolatilityBps: 1200,
		SwapTotal:     decimal.RequireFromString("0.4"),
		TxHashes:      []string{"0x01", "0x02"},
		Errors:        []string{"WBTC: withdraw failed after 3 attempts: nonce too low"},
		FinishedAt:    time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"[Vault Rebalance PARTIAL]", "Intensity: medium", "Volatility: 1200 bps", "Transactions (2):", "Errors (1):", "Run: run-1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("消息缺少 %q:\n%s", want, text)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNotification()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRenderMessageTruncatesLists(t *testing.T) {
	note := sampleNotification()
	note.TxHashes = nil
	for i := 0; i < 8; i++ {
		note.TxHashes = append(note.TxHashes, fmt.Sprintf("0x%02d", i))
	}
	text := renderMessage(note)
	if !strings.Contains(text, "... 3 more") {
		t.Fatalf("超过 5 条应截断:\n%s", text)
	}
	if strings.Contains(text, "0x07") {
		t.Fatalf("截断后不应包含第 8 条:\n%s", text)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

package app

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vault-rebalancer/internal/automation"
	"vault-rebalancer/internal/config"
	"vault-rebalancer/internal/planner"
	"vault-rebalancer/internal/service"
	"vault-rebalancer/internal/storage"
)

const (
	testVault = "0x00000000000000000000000000000000000000aa"
	testPKP   = "0x00000000000000000000000000000000000000bb"
	// well-known throwaway development key
	testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

func TestDownsample(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	got := downsample(items, 4)
	want := []int{0, 3, 6, 9}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if len(downsample(items, 0)) != len(items) || len(downsample(items, 20)) != len(items) {
		t.Fatal("no downsampling expected")
	}
	if one := downsample(items, 1); len(one) != 1 || one[0] != 9 {
		t.Fatalf("single point should keep the latest, got %v", one)
	}
}

func TestWriteRunsCSV(t *testing.T) {
	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	runs := []storage.RunRecord{
		{
			Record: automation.Record{
				ID:            "run-1",
				Vault:         testVault,
				Trigger:       automation.TriggerTimer,
				Status:        automation.StatusPartial,
				Intensity:     planner.Medium,
				VolatilityBps: 1200,
				TxHashes:      []string{"0x01", "0x02"},
				Errors:        []string{"WBTC: swap execute:\nboom"},
				StartedAt:     started,
				FinishedAt:    started.Add(time.Minute),
			},
			SwapTotal: decimal.RequireFromString("0.4"),
		},
	}

	path := filepath.Join(t.TempDir(), "out", "runs.csv")
	if err := writeRunsCSV(path, runs); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header plus one row, got %d", len(rows))
	}
	row := rows[1]
	if row[0] != "2026-10-01T12:00:00Z" || row[5] != "partial" || row[8] != "1200" || row[9] != "0.4" {
		t.Fatalf("unexpected row %v", row)
	}
	if row[10] != "0x01;0x02" || strings.Contains(row[11], "\n") {
		t.Fatalf("unexpected hashes or errors %q %q", row[10], row[11])
	}
}

func TestAlignForward(t *testing.T) {
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	if got := alignForward(base, time.Hour); !got.Equal(base) {
		t.Fatalf("aligned time should be kept, got %s", got)
	}
	if got := alignForward(base.Add(time.Minute), time.Hour); !got.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected next hour, got %s", got)
	}
}

func TestSimulatedNotification(t *testing.T) {
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	note := simulatedNotification(testVault, automation.StatusFailed, planner.Aggressive, 1600, at)
	if note.RunID == "" || note.Status != "failed" || note.Intensity != "aggressive" || len(note.Errors) != 1 {
		t.Fatalf("unexpected notification %+v", note)
	}
	if ok := simulatedNotification(testVault, automation.StatusCompleted, planner.Soft, 600, at); len(ok.Errors) != 0 {
		t.Fatal("completed simulation should carry no errors")
	}
}

func connectorConfig() *config.Config {
	return &config.Config{
		Ethereum: config.EthereumConfig{
			RPCURL:         "http://127.0.0.1:1",
			ChainID:        8453,
			SignerEndpoint: "http://127.0.0.1:2",
		},
		Vaults: []config.VaultConfig{{
			Address: testVault,
			Tokens:  []config.TokenConfig{{Address: "0x0000000000000000000000000000000000000001", Symbol: "WETH", Decimals: 18}},
		}},
	}
}

func TestConnectorUsesOperatorKey(t *testing.T) {
	cfg := connectorConfig()
	cfg.Ethereum.OperatorKey = "0x" + testKey
	conn, err := newChainConnector(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("connector: %v", err)
	}

	target, err := conn.Connect(context.Background(), service.Session{Vault: testVault})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if target.Vault.Operator() != common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266") {
		t.Fatalf("unexpected operator %s", target.Vault.Operator().Hex())
	}
	if len(target.Tokens) != 1 || target.Tokens[0].Symbol != "WETH" {
		t.Fatalf("unexpected tokens %+v", target.Tokens)
	}
}

func TestConnectorPrefersSessionSigner(t *testing.T) {
	cfg := connectorConfig()
	cfg.Ethereum.OperatorKey = testKey
	conn, err := newChainConnector(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("connector: %v", err)
	}

	target, err := conn.Connect(context.Background(), service.Session{Vault: testVault, PKPAddress: testPKP, JWT: "jwt"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if target.Vault.Operator() != common.HexToAddress(testPKP) {
		t.Fatalf("expected pkp operator, got %s", target.Vault.Operator().Hex())
	}
}

func TestConnectorRejections(t *testing.T) {
	cfg := connectorConfig()
	conn, err := newChainConnector(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("connector: %v", err)
	}

	cases := []struct {
		name    string
		session service.Session
		errPart string
	}{
		{"bad address", service.Session{Vault: "vault"}, "invalid vault address"},
		{"unknown vault", service.Session{Vault: "0x00000000000000000000000000000000000000cc"}, "not configured"},
		{"no signer", service.Session{Vault: testVault}, "no signer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := conn.Connect(context.Background(), tc.session)
			if err == nil || !strings.Contains(err.Error(), tc.errPart) {
				t.Fatalf("expected error containing %q, got %v", tc.errPart, err)
			}
		})
	}
}

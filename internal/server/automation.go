package server

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"vault-rebalancer/internal/automation"
	"vault-rebalancer/internal/planner"
	"vault-rebalancer/internal/service"
	"vault-rebalancer/internal/storage"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// AutomationHandler serves /automation/*.
type AutomationHandler struct {
	Rebalancer *service.Rebalancer
	Logger     zerolog.Logger
}

func (h *AutomationHandler) Register(r *gin.Engine) {
	g := r.Group("/automation")
	g.GET("/status", h.status)
	g.PUT("/config", h.updateConfig)
	g.POST("/force", h.force)
	g.POST("/reset-daily", h.resetDaily)
	g.POST("/trigger", h.trigger)
	g.GET("/history", h.history)
}

type statusBody struct {
	DailyCount    int                `json:"dailyRebalancingsCount"`
	IsActive      bool               `json:"isActive"`
	LastRun       *string            `json:"lastRebalancing"`
	NextAllowed   *string            `json:"nextAllowedRebalancing"`
	DailyWindowAt *string            `json:"dailyWindowStart"`
	LastResult    *automation.Record `json:"lastResult"`
}

type balanceRequest struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Balance  string `json:"balance"`
	Decimals int32  `json:"decimals"`
}

type vaultInfoRequest struct {
	Address    string           `json:"address"`
	PKPAddress string           `json:"pkpAddress"`
	JWT        string           `json:"jwt"`
	Balances   []balanceRequest `json:"balances"`
}

type forceRequest struct {
	RebalanceType string            `json:"rebalanceType"`
	VaultInfo     *vaultInfoRequest `json:"vaultInfo"`
}

func (h *AutomationHandler) engine(c *gin.Context) (*automation.Engine, bool) {
	vault := strings.TrimSpace(c.Query("vault"))
	if vault != "" && !common.IsHexAddress(vault) {
		Fail(c, http.StatusBadRequest, "invalid vault address")
		return nil, false
	}
	eng, err := h.Rebalancer.Registry().Get(c.Request.Context(), vault)
	if err != nil {
		if errors.Is(err, automation.ErrEngineNotFound) {
			Fail(c, http.StatusNotFound, err.Error())
		} else {
			Fail(c, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return eng, true
}

func (h *AutomationHandler) status(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}
	snap := eng.Snapshot()
	body := statusBody{
		DailyCount: snap.DailyCount,
		IsActive:   snap.Config.Enabled,
		LastResult: snap.LastResult,
	}
	if snap.LastExecutionUnixMillis != 0 {
		body.LastRun = rfc3339(time.UnixMilli(snap.LastExecutionUnixMillis))
		body.NextAllowed = rfc3339(snap.NextAllowed())
	}
	if snap.DailyWindowStartUnixMillis != 0 {
		body.DailyWindowAt = rfc3339(time.UnixMilli(snap.DailyWindowStartUnixMillis))
	}
	c.JSON(http.StatusOK, gin.H{"vault": eng.Vault(), "config": snap.Config, "status": body})
}

func (h *AutomationHandler) updateConfig(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}
	var patch automation.ConfigPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		Fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cfg, err := eng.UpdateConfig(c.Request.Context(), patch)
	if err != nil {
		Fail(c, http.StatusBadRequest, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "config": cfg})
}

func (h *AutomationHandler) force(c *gin.Context) {
	var req forceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	intensity, err := planner.ParseIntensity(req.RebalanceType)
	if err != nil {
		Fail(c, http.StatusBadRequest, "rebalanceType must be one of soft, medium, aggressive")
		return
	}
	info, err := req.VaultInfo.toVaultInfo()
	if err != nil {
		Fail(c, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.Rebalancer.Force(c.Request.Context(), intensity, info)
	if out.Record.ID == "" {
		Fail(c, http.StatusInternalServerError, errorString(err))
		return
	}
	if err != nil {
		h.Logger.Warn().Err(err).Str("run_id", out.Record.ID).Msg("forced rebalance did not succeed")
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  out.Record.Status,
		"message": forceMessage(intensity, out.Record),
		"result":  out,
	})
}

func (h *AutomationHandler) resetDaily(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}
	eng.ResetDaily(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *AutomationHandler) trigger(c *gin.Context) {
	eng, ok := h.engine(c)
	if !ok {
		return
	}
	out, err := h.Rebalancer.Evaluate(c.Request.Context(), eng.Vault(), automation.TriggerManual)
	if out.Record.ID == "" {
		Fail(c, http.StatusInternalServerError, errorString(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": err == nil, "result": out})
}

func (h *AutomationHandler) history(c *gin.Context) {
	vault := strings.TrimSpace(c.Query("vault"))
	if vault != "" && !common.IsHexAddress(vault) {
		Fail(c, http.StatusBadRequest, "invalid vault address")
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			Fail(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(v, maxHistoryLimit)
	}

	runs, err := h.Rebalancer.History(c.Request.Context(), vault, limit)
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			Fail(c, http.StatusServiceUnavailable, "history requires a database")
			return
		}
		Fail(c, http.StatusBadGateway, err.Error())
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "runs": runs, "limit": limit, "count": len(runs)})
}

func (r *vaultInfoRequest) toVaultInfo() (service.VaultInfo, error) {
	if r == nil {
		return service.VaultInfo{}, errors.New("vaultInfo is required")
	}
	var missing []string
	if !common.IsHexAddress(r.Address) {
		missing = append(missing, "address")
	}
	if !common.IsHexAddress(r.PKPAddress) {
		missing = append(missing, "pkpAddress")
	}
	if strings.TrimSpace(r.JWT) == "" {
		missing = append(missing, "jwt")
	}
	if len(missing) > 0 {
		return service.VaultInfo{}, fmt.Errorf("vaultInfo incomplete: %s", strings.Join(missing, ", "))
	}

	info := service.VaultInfo{Address: r.Address, PKPAddress: r.PKPAddress, JWT: r.JWT}
	for _, b := range r.Balances {
		raw, ok := new(big.Int).SetString(strings.TrimSpace(b.Balance), 10)
		if !ok || raw.Sign() < 0 {
			return service.VaultInfo{}, fmt.Errorf("vaultInfo balance for %s is not a raw integer", b.Symbol)
		}
		if !common.IsHexAddress(b.Address) || b.Decimals < 0 {
			return service.VaultInfo{}, fmt.Errorf("vaultInfo balance for %s is incomplete", b.Symbol)
		}
		info.Balances = append(info.Balances, planner.TokenBalance{
			Address:  b.Address,
			Symbol:   b.Symbol,
			Raw:      raw,
			Decimals: b.Decimals,
		})
	}
	return info, nil
}

func forceMessage(intensity planner.Intensity, rec automation.Record) string {
	switch rec.Status {
	case automation.StatusCompleted:
		return fmt.Sprintf("%s rebalance completed with %d transactions", intensity, len(rec.TxHashes))
	case automation.StatusPartial:
		return fmt.Sprintf("%s rebalance partially completed: %d transactions, %d errors", intensity, len(rec.TxHashes), len(rec.Errors))
	case automation.StatusSkipped:
		return fmt.Sprintf("%s rebalance skipped: %s", intensity, rec.SkipReason)
	default:
		return fmt.Sprintf("%s rebalance failed: %s", intensity, strings.Join(rec.Errors, "; "))
	}
}

func rfc3339(t time.Time) *string {
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func errorString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

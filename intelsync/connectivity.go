package intelsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hazyhaar/intelsync/connectivity"
)

// Service names registered by RegisterConnectivity.
const (
	ServiceCreateReport   = "intelsync_create_report"
	ServiceListReports    = "intelsync_list_reports"
	ServiceGetReport      = "intelsync_get_report"
	ServiceUpdateReport   = "intelsync_update_report"
	ServiceDeleteReport   = "intelsync_delete_report"
	ServiceEnqueueReport  = "intelsync_enqueue_report"
	ServiceClear          = "intelsync_clear"
	ServiceSync           = "intelsync_sync"
	ServiceResolve        = "intelsync_resolve"
	ServiceRevert         = "intelsync_revert"
	ServiceRetry          = "intelsync_retry"
	ServiceStats          = "intelsync_stats"
	ServiceGetSettings    = "intelsync_get_settings"
	ServiceUpdateSettings = "intelsync_update_settings"
	ServiceHistory        = "intelsync_history"
)

// RegisterConnectivity registers the engine operations on a connectivity
// Router so other services can drive the engine by name.
func (e *Engine) RegisterConnectivity(router *connectivity.Router) {
	router.RegisterLocal(ServiceCreateReport, e.handleCreate)
	router.RegisterLocal(ServiceListReports, e.handleList)
	router.RegisterLocal(ServiceGetReport, e.handleGet)
	router.RegisterLocal(ServiceUpdateReport, e.handleUpdate)
	router.RegisterLocal(ServiceDeleteReport, e.handleDelete)
	router.RegisterLocal(ServiceEnqueueReport, e.handleEnqueue)
	router.RegisterLocal(ServiceClear, e.handleClear)
	router.RegisterLocal(ServiceSync, e.handleSync)
	router.RegisterLocal(ServiceResolve, e.handleResolve)
	router.RegisterLocal(ServiceRevert, e.handleRevert)
	router.RegisterLocal(ServiceRetry, e.handleRetry)
	router.RegisterLocal(ServiceStats, e.handleStats)
	router.RegisterLocal(ServiceGetSettings, e.handleGetSettings)
	router.RegisterLocal(ServiceUpdateSettings, e.handleUpdateSettings)
	router.RegisterLocal(ServiceHistory, e.handleHistory)
}

type idRequest struct {
	OfflineID string `json:"offlineId"`
}

func decode(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (e *Engine) handleCreate(ctx context.Context, payload []byte) ([]byte, error) {
	var req CreateInput
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	r, err := e.reports.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

func (e *Engine) handleList(ctx context.Context, payload []byte) ([]byte, error) {
	var req ListFilter
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	list, err := e.reports.List(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(list)
}

func (e *Engine) handleGet(ctx context.Context, payload []byte) ([]byte, error) {
	var req idRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	r, err := e.reports.Get(ctx, req.OfflineID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, &NotFoundError{OfflineID: req.OfflineID}
	}
	return json.Marshal(r)
}

func (e *Engine) handleUpdate(ctx context.Context, payload []byte) ([]byte, error) {
	var req struct {
		OfflineID string `json:"offlineId"`
		Patch
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	r, err := e.reports.Update(ctx, req.OfflineID, req.Patch)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

func (e *Engine) handleDelete(ctx context.Context, payload []byte) ([]byte, error) {
	var req idRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	if err := e.reports.Delete(ctx, req.OfflineID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]bool{"deleted": true})
}

func (e *Engine) handleEnqueue(ctx context.Context, payload []byte) ([]byte, error) {
	var req idRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	r, err := e.orch.Enqueue(ctx, req.OfflineID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

func (e *Engine) handleClear(ctx context.Context, _ []byte) ([]byte, error) {
	n, err := e.reports.ClearAll(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]int{"deleted": n})
}

func (e *Engine) handleSync(ctx context.Context, _ []byte) ([]byte, error) {
	stats, err := e.SyncAll(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stats)
}

type resolveResponse struct {
	Report  *Report `json:"report"`
	Outcome Outcome `json:"outcome"`
}

func (e *Engine) handleResolve(ctx context.Context, payload []byte) ([]byte, error) {
	var req struct {
		OfflineID string   `json:"offlineId"`
		Strategy  Strategy `json:"strategy"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	r, out, err := e.orch.Resolve(ctx, req.OfflineID, req.Strategy)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolveResponse{Report: r, Outcome: out})
}

func (e *Engine) handleRevert(ctx context.Context, payload []byte) ([]byte, error) {
	var req idRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	r, err := e.orch.Revert(ctx, req.OfflineID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

func (e *Engine) handleRetry(ctx context.Context, payload []byte) ([]byte, error) {
	var req idRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	r, err := e.Retry(ctx, req.OfflineID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

func (e *Engine) handleStats(ctx context.Context, _ []byte) ([]byte, error) {
	stats, err := e.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stats)
}

func (e *Engine) handleGetSettings(ctx context.Context, _ []byte) ([]byte, error) {
	st, err := e.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

func (e *Engine) handleUpdateSettings(ctx context.Context, payload []byte) ([]byte, error) {
	var req SettingsPatch
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	st, err := e.settings.Update(ctx, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

func (e *Engine) handleHistory(ctx context.Context, payload []byte) ([]byte, error) {
	var req struct {
		OfflineID string `json:"offlineId"`
		Limit     int    `json:"limit"`
	}
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	entries, err := e.History(ctx, req.OfflineID, req.Limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entries)
}

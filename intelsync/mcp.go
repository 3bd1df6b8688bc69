package intelsync

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/intelsync/kit"
)

// RegisterMCP registers the engine tools on an MCP server.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	e.registerCreateTool(srv)
	e.registerListTool(srv)
	e.registerGetTool(srv)
	e.registerUpdateTool(srv)
	e.registerDeleteTool(srv)
	e.registerEnqueueTool(srv)
	e.registerSyncTool(srv)
	e.registerResolveTool(srv)
	e.registerRevertTool(srv)
	e.registerRetryTool(srv)
	e.registerStatsTool(srv)
	e.registerSettingsTools(srv)
	e.registerHistoryTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var offlineIDProp = map[string]any{"type": "string", "description": "Offline report ID"}

func idSchema() map[string]any {
	return inputSchema(map[string]any{"offlineId": offlineIDProp}, []string{"offlineId"})
}

var reportProps = map[string]any{
	"title":     map[string]any{"type": "string", "description": "Report title"},
	"content":   map[string]any{"type": "string", "description": "Report body, plain text or HTML"},
	"tags":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	"latitude":  map[string]any{"type": "number"},
	"longitude": map[string]any{"type": "number"},
	"timestamp": map[string]any{"type": "integer", "description": "Authoring time, unix ms"},
}

// --- reports ---

func (e *Engine) registerCreateTool(srv *mcp.Server) {
	props := map[string]any{
		"author": map[string]any{"type": "string", "description": "Author key; defaults to the signing key at submission"},
		"submit": map[string]any{"type": "boolean", "description": "Queue for sync instead of keeping a draft"},
	}
	for k, v := range reportProps {
		props[k] = v
	}
	tool := &mcp.Tool{
		Name:        ServiceCreateReport,
		Description: "Create an offline intelligence report, as a draft or queued for sync",
		InputSchema: inputSchema(props, []string{"title"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return e.reports.Create(ctx, *req.(*CreateInput))
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[CreateInput]())
}

func (e *Engine) registerListTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        ServiceListReports,
		Description: "List offline reports, oldest change first",
		InputSchema: inputSchema(map[string]any{
			"statuses": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string", "enum": []any{"draft", "pending", "syncing", "synced", "conflict", "error"}},
			},
			"limit": map[string]any{"type": "integer"},
		}, nil),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return e.reports.List(ctx, *req.(*ListFilter))
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[ListFilter]())
}

func (e *Engine) registerGetTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        ServiceGetReport,
		Description: "Get one offline report, including conflict details",
		InputSchema: idSchema(),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		id := req.(*idRequest).OfflineID
		r, err := e.reports.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, &NotFoundError{OfflineID: id}
		}
		return r, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[idRequest]())
}

type updateRequest struct {
	OfflineID string `json:"offlineId"`
	Patch
}

func (e *Engine) registerUpdateTool(srv *mcp.Server) {
	props := map[string]any{"offlineId": offlineIDProp}
	for k, v := range reportProps {
		props[k] = v
	}
	tool := &mcp.Tool{
		Name:        ServiceUpdateReport,
		Description: "Edit the authored fields of a report that is not syncing or synced",
		InputSchema: inputSchema(props, []string{"offlineId"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*updateRequest)
		return e.reports.Update(ctx, r.OfflineID, r.Patch)
	}
	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r updateRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (e *Engine) registerDeleteTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        ServiceDeleteReport,
		Description: "Delete one offline report",
		InputSchema: idSchema(),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		if err := e.reports.Delete(ctx, req.(*idRequest).OfflineID); err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": true}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[idRequest]())
}

func (e *Engine) registerEnqueueTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        ServiceEnqueueReport,
		Description: "Queue a draft for the next sync",
		InputSchema: idSchema(),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return e.orch.Enqueue(ctx, req.(*idRequest).OfflineID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[idRequest]())
}

// --- sync ---

func (e *Engine) registerSyncTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        ServiceSync,
		Description: "Sign and submit every pending report, returning the resulting counters",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return e.SyncAll(ctx)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[struct{}]())
}

func (e *Engine) registerResolveTool(srv *mcp.Server) {
	type req struct {
		OfflineID string   `json:"offlineId"`
		Strategy  Strategy `json:"strategy"`
	}
	tool := &mcp.Tool{
		Name:        ServiceResolve,
		Description: "Resolve a conflicted report. merge keeps edited local fields and fills the rest from the remote; replace supersedes the remote; keep_both submits alongside it",
		InputSchema: inputSchema(map[string]any{
			"offlineId": offlineIDProp,
			"strategy":  map[string]any{"type": "string", "enum": []any{"ask", "merge", "replace", "keep_both"}},
		}, []string{"offlineId", "strategy"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		rep, out, err := e.orch.Resolve(ctx, p.OfflineID, p.Strategy)
		if err != nil {
			return nil, err
		}
		return resolveResponse{Report: rep, Outcome: out}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[req]())
}

func (e *Engine) registerRevertTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        ServiceRevert,
		Description: "Undo a resolution that has not been confirmed remotely yet",
		InputSchema: idSchema(),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return e.orch.Revert(ctx, req.(*idRequest).OfflineID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[idRequest]())
}

func (e *Engine) registerRetryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        ServiceRetry,
		Description: "Make one more submission attempt for a report in error",
		InputSchema: idSchema(),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		return e.Retry(ctx, req.(*idRequest).OfflineID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[idRequest]())
}

func (e *Engine) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        ServiceStats,
		Description: "Counters over the local store: total, pending, synced, conflicts, drafts, errors",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, _ any) (any, error) {
		return e.Stats(ctx)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[struct{}]())
}

// --- settings ---

func (e *Engine) registerSettingsTools(srv *mcp.Server) {
	get := &mcp.Tool{
		Name:        ServiceGetSettings,
		Description: "Current sync settings",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	kit.RegisterMCPTool(srv, get, func(ctx context.Context, _ any) (any, error) {
		return e.settings.Get(ctx)
	}, kit.DecodeJSON[struct{}]())

	update := &mcp.Tool{
		Name:        ServiceUpdateSettings,
		Description: "Change sync settings; omitted fields are kept",
		InputSchema: inputSchema(map[string]any{
			"autoSync":           map[string]any{"type": "boolean"},
			"conflictResolution": map[string]any{"type": "string", "enum": []any{"ask", "merge", "replace", "keep_both"}},
			"maxRetries":         map[string]any{"type": "integer", "minimum": 1},
			"batchSize":          map[string]any{"type": "integer", "minimum": 1},
		}, nil),
	}
	kit.RegisterMCPTool(srv, update, func(ctx context.Context, req any) (any, error) {
		return e.settings.Update(ctx, *req.(*SettingsPatch))
	}, kit.DecodeJSON[SettingsPatch]())
}

func (e *Engine) registerHistoryTool(srv *mcp.Server) {
	type req struct {
		OfflineID string `json:"offlineId"`
		Limit     int    `json:"limit"`
	}
	tool := &mcp.Tool{
		Name:        ServiceHistory,
		Description: "Event timeline of one report",
		InputSchema: inputSchema(map[string]any{
			"offlineId": offlineIDProp,
			"limit":     map[string]any{"type": "integer"},
		}, []string{"offlineId"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return e.History(ctx, p.OfflineID, p.Limit)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[req]())
}

package connectivity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrRouteNotFound is returned by Admin operations on a missing route.
var ErrRouteNotFound = errors.New("connectivity: route not found")

// RouteRow is one row of the routes table.
type RouteRow struct {
	ServiceName string          `json:"service_name"`
	Strategy    string          `json:"strategy"`
	Endpoint    string          `json:"endpoint,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	UpdatedAt   int64           `json:"updated_at"`
}

// Admin edits the routes table. A running Watch picks changes up.
type Admin struct {
	db *sql.DB
}

// NewAdmin returns an Admin over db. The schema must be applied.
func NewAdmin(db *sql.DB) *Admin {
	return &Admin{db: db}
}

// ListRoutes returns every route ordered by service name.
func (a *Admin) ListRoutes(ctx context.Context) ([]RouteRow, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT service_name, strategy, COALESCE(endpoint, ''), COALESCE(config, '{}'), updated_at
		 FROM routes ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("connectivity: list routes: %w", err)
	}
	defer rows.Close()

	var out []RouteRow
	for rows.Next() {
		var r RouteRow
		var cfg string
		if err := rows.Scan(&r.ServiceName, &r.Strategy, &r.Endpoint, &cfg, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("connectivity: scan route: %w", err)
		}
		r.Config = json.RawMessage(cfg)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRoute inserts or replaces the route of serviceName.
func (a *Admin) UpsertRoute(ctx context.Context, serviceName, strategy, endpoint string, config json.RawMessage) error {
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}
	if !json.Valid(config) {
		return fmt.Errorf("connectivity: route config is not valid JSON")
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO routes (service_name, strategy, endpoint, config)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(service_name) DO UPDATE SET
		     strategy = excluded.strategy,
		     endpoint = excluded.endpoint,
		     config   = excluded.config`,
		serviceName, strategy, endpoint, string(config))
	if err != nil {
		return fmt.Errorf("connectivity: upsert route: %w", err)
	}
	return nil
}

// DeleteRoute removes the route of serviceName.
func (a *Admin) DeleteRoute(ctx context.Context, serviceName string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM routes WHERE service_name = ?`, serviceName)
	if err != nil {
		return fmt.Errorf("connectivity: delete route: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRouteNotFound, serviceName)
	}
	return nil
}

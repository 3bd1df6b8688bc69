package connectivity

import (
	"context"
	"database/sql"
	"time"
)

// Watch reloads routes whenever PRAGMA data_version changes, polling at
// interval. data_version moves when another connection commits, so route
// edits made by the CLI or another process are picked up. Blocks until ctx
// is done.
func (r *Router) Watch(ctx context.Context, db *sql.DB, interval time.Duration) {
	if err := r.Reload(ctx, db); err != nil {
		r.logger.Error("connectivity: initial reload failed", "error", err)
	}
	var last int64
	db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&last)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	r.logger.Info("connectivity: watcher started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("connectivity: watcher stopped")
			return
		case <-ticker.C:
			var ver int64
			if err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&ver); err != nil {
				r.logger.Warn("connectivity: data_version poll failed", "error", err)
				continue
			}
			if ver == last {
				continue
			}
			if err := r.Reload(ctx, db); err != nil {
				r.logger.Error("connectivity: reload failed", "error", err)
			}
			last = ver
		}
	}
}

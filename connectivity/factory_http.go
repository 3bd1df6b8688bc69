package connectivity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/intelsync/netsafe"
)

const maxHTTPResponseBody int64 = 10 << 20

// httpConfig is the per-route config JSON.
type httpConfig struct {
	TimeoutMs int64 `json:"timeout_ms"`
	// AllowPrivate lets a route target loopback or LAN addresses, for a
	// ledger running on the same host or network.
	AllowPrivate bool `json:"allow_private"`
}

// HTTPFactory builds handlers that POST the payload as JSON to the route
// endpoint and return the response body. Non-2xx answers become
// *ErrRemoteStatus.
func HTTPFactory() TransportFactory {
	return func(endpoint string, config json.RawMessage) (Handler, func(), error) {
		var cfg httpConfig
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, nil, fmt.Errorf("connectivity/http: config: %w", err)
			}
		}

		if cfg.AllowPrivate {
			if _, err := netsafe.CheckURL(endpoint); err != nil {
				return nil, nil, fmt.Errorf("connectivity/http: %w", err)
			}
		} else if err := netsafe.ValidateURL(endpoint); err != nil {
			return nil, nil, fmt.Errorf("connectivity/http: %w", err)
		}

		timeout := 30 * time.Second
		if cfg.TimeoutMs > 0 {
			timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
		}
		client := &http.Client{Timeout: timeout}

		handler := func(ctx context.Context, payload []byte) ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: do request: %w", err)
			}
			defer resp.Body.Close()

			body, err := netsafe.LimitedReadAll(resp.Body, maxHTTPResponseBody)
			if err != nil {
				return nil, fmt.Errorf("connectivity/http: read response: %w", err)
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, &ErrRemoteStatus{Endpoint: endpoint, Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
			}
			return body, nil
		}
		return handler, client.CloseIdleConnections, nil
	}
}

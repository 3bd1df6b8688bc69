package intelsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/intelsync/connectivity"
	"github.com/hazyhaar/intelsync/ledger"
	"github.com/hazyhaar/intelsync/observability"
)

// Remote is the system of record as seen by the sync engine. The
// orchestrator bounds Submit with Config.SubmitTimeout; ListReports is
// bounded by the implementation.
type Remote interface {
	// ListReports returns the records visible to the caller.
	ListReports(ctx context.Context) ([]RemoteReport, error)
	// Submit sends a signed submission and returns the confirmation ID.
	Submit(ctx context.Context, env ledger.Envelope) (string, error)
}

// RemoteOptions wires the router-backed remote.
type RemoteOptions struct {
	// Timeout bounds each call. 0 leaves calls bounded by the caller's ctx.
	Timeout time.Duration
	Metrics *observability.MetricsManager
	Breaker *connectivity.CircuitBreaker
	Logger  *slog.Logger
}

// RouterRemote reaches the ledger services through a connectivity Router,
// so the same code path serves an in-process ledger and an HTTP one.
type RouterRemote struct {
	list   connectivity.Handler
	submit connectivity.Handler
}

// NewRouterRemote builds a Remote over router. Each call goes through
// panic recovery, call logging, metrics, the circuit breaker and the
// timeout; a timed out call counts as a breaker failure.
func NewRouterRemote(router *connectivity.Router, opts RemoteOptions) *RouterRemote {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	wrap := func(service string) connectivity.Handler {
		mws := []connectivity.HandlerMiddleware{
			connectivity.Recovery(opts.Logger),
			connectivity.WithCallLogging(opts.Logger, service),
			connectivity.WithObservability(opts.Metrics, router, service),
		}
		if opts.Breaker != nil {
			mws = append(mws, connectivity.WithCircuitBreaker(opts.Breaker, service))
		}
		if opts.Timeout > 0 {
			mws = append(mws, connectivity.Timeout(opts.Timeout))
		}
		return connectivity.Chain(mws...)(func(ctx context.Context, payload []byte) ([]byte, error) {
			return router.Call(ctx, service, payload)
		})
	}
	return &RouterRemote{
		list:   wrap(ledger.ServiceList),
		submit: wrap(ledger.ServiceSubmit),
	}
}

// ListReports implements Remote.
func (r *RouterRemote) ListReports(ctx context.Context) ([]RemoteReport, error) {
	out, err := r.list(ctx, []byte(`{}`))
	if err != nil {
		return nil, err
	}
	var records []*ledger.Record
	if err := json.Unmarshal(out, &records); err != nil {
		return nil, fmt.Errorf("intelsync: decode remote list: %w", err)
	}
	return toRemote(records), nil
}

func toRemote(records []*ledger.Record) []RemoteReport {
	remotes := make([]RemoteReport, 0, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		remotes = append(remotes, RemoteReport{
			ID:         rec.ID,
			OfflineID:  rec.OfflineID,
			Title:      rec.Title,
			Content:    rec.Content,
			Tags:       rec.Tags,
			Latitude:   rec.Latitude,
			Longitude:  rec.Longitude,
			Timestamp:  rec.Timestamp,
			Author:     rec.Author,
			Supersedes: rec.Supersedes,
		})
	}
	return remotes
}

// Submit implements Remote.
func (r *RouterRemote) Submit(ctx context.Context, env ledger.Envelope) (string, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	out, err := r.submit(ctx, payload)
	if err != nil {
		return "", err
	}
	var res ledger.SubmitResult
	if err := json.Unmarshal(out, &res); err != nil {
		return "", fmt.Errorf("intelsync: decode submit result: %w", err)
	}
	if res.ID == "" {
		return "", fmt.Errorf("intelsync: remote returned no confirmation id")
	}
	return res.ID, nil
}

func isCircuitOpen(err error) bool {
	var co *connectivity.ErrCircuitOpen
	return errors.As(err, &co)
}

// isRejection reports whether the remote refused the submission itself,
// so resending the same bytes cannot succeed.
func isRejection(err error) bool {
	if errors.Is(err, ledger.ErrInvalidSignature) || errors.Is(err, ledger.ErrAuthorMismatch) ||
		errors.Is(err, ledger.ErrInvalidSubmission) || errors.Is(err, ledger.ErrUnknownRecord) ||
		errors.Is(err, ledger.ErrAlreadySuperseded) {
		return true
	}
	var rs *connectivity.ErrRemoteStatus
	if errors.As(err, &rs) {
		return rs.Status >= 400 && rs.Status < 500 &&
			rs.Status != http.StatusRequestTimeout && rs.Status != http.StatusTooManyRequests
	}
	return false
}

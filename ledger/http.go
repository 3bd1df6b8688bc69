package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/intelsync/shield"
)

// Handler returns the ledger's HTTP API.
//
//	POST /rpc/{service}  body is the service payload, response is its result
//	GET  /reports        live records (?all=1 includes superseded)
//	GET  /healthz
//
// The /rpc route matches what connectivity.HTTPFactory posts, so a client
// router can point ledger_* services at "http://host/rpc/<service>".
func (l *Ledger) Handler(rl *shield.RateLimiter) http.Handler {
	handlers := map[string]func(context.Context, []byte) ([]byte, error){
		ServiceList:   l.handleList,
		ServiceSubmit: l.handleSubmit,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultAPIStack(rl) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		shield.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/reports", func(w http.ResponseWriter, r *http.Request) {
		records, err := l.List(r.Context(), ListRequest{
			IncludeSuperseded: r.URL.Query().Get("all") == "1",
			Author:            r.URL.Query().Get("author"),
		})
		if err != nil {
			shield.WriteError(w, http.StatusInternalServerError, err)
			return
		}
		shield.WriteJSON(w, http.StatusOK, records)
	})

	r.Post("/rpc/{service}", func(w http.ResponseWriter, r *http.Request) {
		service := chi.URLParam(r, "service")
		h, ok := handlers[service]
		if !ok {
			shield.WriteError(w, http.StatusNotFound, fmt.Errorf("unknown service %q", service))
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			shield.WriteError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		out, err := h(r.Context(), body)
		if err != nil {
			shield.GetLogger(r.Context()).Warn("ledger: rpc failed", "service", service, "error", err)
			shield.WriteError(w, statusFor(err), err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	})

	return r
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrAuthorMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAlreadySuperseded):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownRecord), errors.Is(err, ErrInvalidSubmission):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errBadPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

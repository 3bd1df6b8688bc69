package intelsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/hazyhaar/intelsync/connectivity"
	"github.com/hazyhaar/intelsync/eventbus"
	"github.com/hazyhaar/intelsync/shield"
)

var errBadRequest = errors.New("intelsync: malformed request body")

// eventBuffer is how many events a slow websocket client may lag behind
// before events are dropped for it.
const eventBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Handler returns the engine HTTP API for UI layers.
//
//	GET    /reports              ?status=pending,error&limit=
//	POST   /reports              CreateInput
//	DELETE /reports              clear all local data
//	GET    /reports/{id}
//	PATCH  /reports/{id}         Patch
//	DELETE /reports/{id}
//	POST   /reports/{id}/enqueue
//	POST   /reports/{id}/resolve {"strategy": "..."}
//	POST   /reports/{id}/revert
//	POST   /reports/{id}/retry
//	GET    /reports/{id}/history
//	POST   /sync
//	GET    /stats
//	GET    /settings
//	PATCH  /settings             SettingsPatch
//	GET    /events               websocket stream of engine events
//	POST   /rpc/{service}        connectivity services (intelsync_*)
func (e *Engine) Handler(rl *shield.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.DefaultAPIStack(rl) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		shield.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/reports", func(r chi.Router) {
		r.Get("/", e.httpList)
		r.Post("/", e.httpCreate)
		r.Delete("/", e.httpClear)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", e.httpGet)
			r.Patch("/", e.httpUpdate)
			r.Delete("/", e.httpDelete)
			r.Post("/enqueue", e.httpEnqueue)
			r.Post("/resolve", e.httpResolve)
			r.Post("/revert", e.httpRevert)
			r.Post("/retry", e.httpRetry)
			r.Get("/history", e.httpHistory)
		})
	})
	r.Post("/sync", e.httpSync)
	r.Get("/stats", e.httpStats)
	r.Get("/settings", e.httpGetSettings)
	r.Patch("/settings", e.httpUpdateSettings)
	r.Get("/events", e.httpEvents)

	rpc := connectivity.New(connectivity.WithLogger(e.logger))
	e.RegisterConnectivity(rpc)
	r.Post("/rpc/{service}", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			shield.WriteError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		out, err := rpc.Call(r.Context(), chi.URLParam(r, "service"), body)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(out)
	})
	return r
}

func readJSON(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func statusFor(err error) int {
	var ce *ConflictError
	var se *SigningError
	var nf *connectivity.ErrServiceNotFound
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.As(err, &nf):
		return http.StatusNotFound
	case errors.Is(err, ErrNoSigner), errors.As(err, &se):
		return http.StatusPreconditionFailed
	case errors.As(err, &ce),
		errors.Is(err, ErrSyncInProgress), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrNotInConflict), errors.Is(err, ErrNothingToRevert),
		errors.Is(err, ErrRetriesExhausted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		shield.GetLogger(r.Context()).Error("intelsync: request failed", "path", r.URL.Path, "error", err)
	}
	body := map[string]any{"error": err.Error()}
	var ve *ValidationError
	var ce *ConflictError
	switch {
	case errors.As(err, &ve):
		body["fields"] = ve.Fields
	case errors.As(err, &ce):
		body["conflictData"] = ce.Data
	}
	shield.WriteJSON(w, status, body)
}

func (e *Engine) httpList(w http.ResponseWriter, r *http.Request) {
	var f ListFilter
	if s := r.URL.Query().Get("status"); s != "" {
		for _, st := range strings.Split(s, ",") {
			f.Statuses = append(f.Statuses, Status(strings.TrimSpace(st)))
		}
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeErr(w, r, invalid("limit", "numeric"))
			return
		}
		f.Limit = n
	}
	list, err := e.reports.List(r.Context(), f)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	shield.WriteJSON(w, http.StatusOK, list)
}

func (e *Engine) httpCreate(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := readJSON(r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	rep, err := e.reports.Create(r.Context(), in)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	shield.WriteJSON(w, http.StatusCreated, rep)
}

func (e *Engine) httpClear(w http.ResponseWriter, r *http.Request) {
	n, err := e.reports.ClearAll(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	shield.WriteJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (e *Engine) httpGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rep, err := e.reports.Get(r.Context(), id)
	if err == nil && rep == nil {
		err = &NotFoundError{OfflineID: id}
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	shield.WriteJSON(w, http.StatusOK, rep)
}

func (e *Engine) httpUpdate(w http.ResponseWriter, r *http.Request) {
	var p Patch
	if err := readJSON(r, &p); err != nil {
		writeErr(w, r, err)
		return
	}
	rep, err := e.reports.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	shield.WriteJSON(w, http.StatusOK, rep)
}

func (e *Engine) httpDelete(w http.ResponseWriter, r *http.Request) {
	if err := e.reports.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) httpEnqueue(w http.ResponseWriter, r *http.Request) {
	rep, err := e.orch.Enqueue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	shield.WriteJSON(w, http.StatusOK, rep)
}

func (e *Engine) httpResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy Strategy `json:"strategy"`
	}
	if err := readJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	rep, out, err := e.orch.Resolve(r.Context(), chi.URLParam(r, "id"), req.Strategy)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	shield.WriteJSON(w, http.StatusOK, resolveResponse{Report: rep, Outcome: out})
}

func (e *Engine) httpRevert(w http.ResponseWriter, r *http.Request) {
	rep, err := e.orch.Revert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	shield.WriteJSON(w, http.StatusOK, rep)
}

func (e *Engine) httpRetry(w http.ResponseWriter, r *http.Request) {
	rep, err := e.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil && rep == nil {
		writeErr(w, r, err)
		return
	}
	// A failed attempt is recorded on the report; the caller reads it there.
	shield.WriteJSON(w, http.StatusOK, rep)
}

func (e *Engine) httpHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := e.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	shield.WriteJSON(w, http.StatusOK, entries)
}

func (e *Engine) httpSync(w http.ResponseWriter, r *http.Request) {
	stats, err := e.SyncAll(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	shield.WriteJSON(w, http.StatusOK, stats)
}

func (e *Engine) httpStats(w http.ResponseWriter, r *http.Request) {
	stats, err := e.Stats(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	shield.WriteJSON(w, http.StatusOK, stats)
}

func (e *Engine) httpGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := e.settings.Get(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	shield.WriteJSON(w, http.StatusOK, st)
}

func (e *Engine) httpUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var p SettingsPatch
	if err := readJSON(r, &p); err != nil {
		writeErr(w, r, err)
		return
	}
	st, err := e.settings.Update(r.Context(), p)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	shield.WriteJSON(w, http.StatusOK, st)
}

// EventMessage is one websocket frame of /events.
type EventMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// httpEvents streams bus events to a websocket client. ?events=a,b limits
// the stream to those names.
func (e *Engine) httpEvents(w http.ResponseWriter, r *http.Request) {
	var only map[string]bool
	if s := r.URL.Query().Get("events"); s != "" {
		only = make(map[string]bool)
		for _, name := range strings.Split(s, ",") {
			only[strings.TrimSpace(name)] = true
		}
	}

	log := shield.GetLogger(r.Context())

	// Subscribe before the upgrade so nothing emitted while the handshake
	// completes is lost.
	ch := make(chan eventbus.Event, eventBuffer)
	off := e.bus.OnAll(func(ev eventbus.Event) {
		if only != nil && !only[ev.EventName()] {
			return
		}
		select {
		case ch <- ev:
		default:
			log.Warn("intelsync: websocket client lagging, event dropped", "event", ev.EventName())
		}
	})
	defer off()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(EventMessage{Event: ev.EventName(), Data: ev}); err != nil {
				log.Debug("intelsync: websocket write", "error", err)
				return
			}
		}
	}
}

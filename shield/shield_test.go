package shield

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/intelsync/dbopen"
	"github.com/hazyhaar/intelsync/kit"

	_ "modernc.org/sqlite"
)

func TestDefaultAPIStack_HeadersAndTrace(t *testing.T) {
	var seen string
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetTraceID(r.Context())
		WriteJSON(w, http.StatusOK, map[string]string{"ok": "1"})
	})
	stack := DefaultAPIStack(nil)
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Trace-ID", "abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("missing nosniff header")
	}
	if rec.Header().Get("X-Trace-ID") != "abc123" || seen != "abc123" {
		t.Fatalf("trace id: header=%q ctx=%q", rec.Header().Get("X-Trace-ID"), seen)
	}
}

func TestHeadToGet(t *testing.T) {
	var method string
	h := HeadToGet(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { method = r.Method }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodHead, "/", nil))
	if method != http.MethodGet {
		t.Fatalf("method = %s", method)
	}
}

func TestMaxBody(t *testing.T) {
	var readErr error
	h := MaxBody(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 16)
		_, readErr = r.Body.Read(buf)
		if readErr == nil {
			_, readErr = r.Body.Read(buf)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	if readErr == nil {
		t.Fatal("expected body limit error")
	}
}

func TestRateLimiter_Window(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(map[string]RateLimitConfig{
		"POST /rpc/x": {MaxRequests: 2, WindowSeconds: 10, Enabled: true},
	}, nil)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if !rl.Allow("1.2.3.4", "POST /rpc/x") {
			t.Fatalf("request %d should pass", i)
		}
	}
	if rl.Allow("1.2.3.4", "POST /rpc/x") {
		t.Fatal("third request should be limited")
	}
	if !rl.Allow("5.6.7.8", "POST /rpc/x") {
		t.Fatal("other IP has its own bucket")
	}
	if !rl.Allow("1.2.3.4", "GET /reports") {
		t.Fatal("endpoint without rule is unlimited")
	}

	now = now.Add(11 * time.Second)
	if !rl.Allow("1.2.3.4", "POST /rpc/x") {
		t.Fatal("window should have reset")
	}
}

func TestRateLimiter_Middleware429(t *testing.T) {
	rl := NewRateLimiter(nil, nil)
	rl.SetRule("POST /rpc/x", RateLimitConfig{MaxRequests: 1, WindowSeconds: 30, Enabled: true})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i, want := range []int{200, 429} {
		req := httptest.NewRequest(http.MethodPost, "/rpc/x", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: status %d, want %d", i, rec.Code, want)
		}
		if want == 429 && rec.Header().Get("Retry-After") != "30" {
			t.Fatalf("Retry-After = %q", rec.Header().Get("Retry-After"))
		}
	}
}

func TestRateLimiter_LoadRules(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	if _, err := db.Exec(`INSERT INTO rate_limits (endpoint, max_requests, window_seconds, enabled) VALUES ('GET /a', 1, 60, 1)`); err != nil {
		t.Fatal(err)
	}
	rl := NewRateLimiter(nil, nil)
	if err := rl.LoadRules(t.Context(), db); err != nil {
		t.Fatal(err)
	}
	rl.Allow("ip", "GET /a")
	if rl.Allow("ip", "GET /a") {
		t.Fatal("rule from table should apply")
	}
}

func TestExtractIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	if ip := ExtractIP(r); ip != "9.9.9.9" {
		t.Fatalf("ip = %s", ip)
	}
}

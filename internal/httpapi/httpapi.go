// ============================================================================
// Warlock HTTP - long-poll 訂閱與觸發端點
// ============================================================================
//
// Package: internal/httpapi
// 文件: httpapi.go
// 功能: 讓網頁端以 HTTP 參與 supervisor 的事件匯流排
//
// 端點:
//   GET  /subscribe?event=E[&timeout=10s][&<key>=<value>...]
//        阻塞到 E 被觸發；其他 query 參數組成 filter
//        200 {"event","data","source"}；逾時 204
//   POST /trigger   {"event": "E", "data": ...} → 200 {"delivered": n}
//   GET  /tasks     所有任務（JSON）
//   GET  /health    200 ok
//   GET  /metrics   Prometheus
//
// 所有請求都經過 otelhttp，每個請求一個 server span
//
// ============================================================================

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ChuLiYu/warlock/internal/events"
	"github.com/ChuLiYu/warlock/internal/supervisor"
)

// DefaultLongPollTimeout bounds /subscribe when Options leaves it zero.
const DefaultLongPollTimeout = 30 * time.Second

// Backend is the part of the supervisor the HTTP surface needs.
type Backend interface {
	Wait(ctx context.Context, event string, filter map[string]any) (events.Delivery, error)
	Trigger(ctx context.Context, event string, data any) (int, error)
	Tasks(ctx context.Context) ([]supervisor.TaskInfo, error)
}

// Options configures the handler.
type Options struct {
	LongPollTimeout time.Duration // upper bound of a single /subscribe
	Metrics         http.Handler  // served at /metrics when set
	Logger          *slog.Logger
}

type api struct {
	backend Backend
	timeout time.Duration
	log     *slog.Logger
}

// NewHandler builds the HTTP surface for b.
func NewHandler(b Backend, opts Options) http.Handler {
	if opts.LongPollTimeout <= 0 {
		opts.LongPollTimeout = DefaultLongPollTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a := &api{backend: b, timeout: opts.LongPollTimeout, log: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /subscribe", a.handleSubscribe)
	mux.HandleFunc("POST /trigger", a.handleTrigger)
	mux.HandleFunc("GET /tasks", a.handleTasks)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return otelhttp.NewHandler(mux, "warlock-http")
}

// Serve serves h on lis until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, lis net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ============================================================================
// 處理函式
// ============================================================================

func (a *api) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	event := q.Get("event")
	if event == "" {
		http.Error(w, "missing event", http.StatusBadRequest)
		return
	}

	timeout := a.timeout
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		if d < timeout {
			timeout = d
		}
	}

	var filter map[string]any
	for key, vals := range q {
		if key == "event" || key == "timeout" || len(vals) == 0 {
			continue
		}
		if filter == nil {
			filter = make(map[string]any)
		}
		filter[key] = vals[0]
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	d, err := a.backend.Wait(ctx, event, filter)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, d)
	case errors.Is(err, context.DeadlineExceeded):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, context.Canceled):
		// 客戶端已離開
	case errors.Is(err, supervisor.ErrStopped), errors.Is(err, supervisor.ErrStopping):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		a.log.Warn("subscribe failed", "event", event, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type triggerRequest struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (a *api) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Event == "" {
		http.Error(w, "missing event", http.StatusBadRequest)
		return
	}
	n, err := a.backend.Trigger(r.Context(), req.Event, req.Data)
	if err != nil {
		a.log.Warn("trigger failed", "event", req.Event, "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func (a *api) handleTasks(w http.ResponseWriter, r *http.Request) {
	infos, err := a.backend.Tasks(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

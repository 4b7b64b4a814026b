// Package httpapi is a thin net/http front door over the Audit Service,
// grounded on the teacher's internal/server package's handler/route split
// and JSON envelope conventions. Wire-level plumbing is explicitly out of
// scope per spec.md §1, so this stays a minimal adapter; the tested
// contract is auditsvc.Service, not this layer.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"github.com/sealedledger/assure/internal/auditsvc"
	"github.com/sealedledger/assure/internal/keystore"
	"github.com/sealedledger/assure/internal/privacy"
	"github.com/sealedledger/assure/internal/securelog"
	"github.com/sealedledger/assure/internal/sink"
	"github.com/sealedledger/assure/internal/svcerr"
)

// Handler holds everything the HTTP layer needs to translate requests into
// Service calls.
type Handler struct {
	Service *auditsvc.Service
	Logger  *log.Helper

	// DataDir and SecurityPassword locate and open each topic's keystore
	// for the verify endpoint, matching the CSV Sink's own file layout
	// (<log_directory>/<topic>.keystore.json).
	DataDir          string
	SecurityPassword string

	PrivacyFieldPath   string
	PrivacyK           int
	PrivacyEpsilon     float64
	PrivacyWindowHours int
}

// NewMux builds the routed http.Handler, using Go 1.22+ ServeMux method-
// and-wildcard patterns in place of the teacher's flat path dispatch.
func NewMux(h *Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /events/{topic}", h.publish)
	mux.HandleFunc("GET /events/{topic}/{id}", h.read)
	mux.HandleFunc("GET /audit/verify/{topic}", h.verify)
	mux.HandleFunc("GET /privacy/{topic}", h.privacySummary)
	return withAccessLog(h.Logger, mux)
}

func withAccessLog(logger *log.Helper, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logger != nil {
			logger.Infow("method", r.Method, "path", r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, svcerr.BadRequest("httpapi: read body: %v", err))
		return
	}
	var event map[string]any
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, svcerr.BadRequest("httpapi: invalid json: %v", err))
		return
	}

	subject := r.Header.Get("X-Assure-Subject")
	result, err := h.Service.Publish(r.Context(), subject, topic, event)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request) {
	topic, id := r.PathValue("topic"), r.PathValue("id")
	result, err := h.Service.Read(r.Context(), topic, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	keys, err := keystore.Open(filepath.Join(h.DataDir, topic+".keystore.json"), h.SecurityPassword)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := securelog.Verify(filepath.Join(h.DataDir, topic+".csv"), keys)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !report.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"ok": report.OK, "report": report})
}

func (h *Handler) privacySummary(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	querySink := h.querySinkFor(topic)

	windowHours := intQuery(r, "window_hours", h.PrivacyWindowHours, 1, 24*14)
	k := intQuery(r, "k", h.PrivacyK, 1, 1<<20)
	epsilon := floatQuery(r, "epsilon", h.PrivacyEpsilon)
	seed, _ := strconv.ParseInt(r.URL.Query().Get("seed"), 10, 64)
	fieldPath := r.URL.Query().Get("field")
	if fieldPath == "" {
		fieldPath = h.PrivacyFieldPath
	}

	counts, err := privacy.FieldCounts(r.Context(), querySink, topic, fieldPath, time.Duration(windowHours)*time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	summary := privacy.Summarize(fieldPath, counts, k, epsilon, seed, windowHours)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "summary": summary})
}

// querySinkFor adapts the Audit Service's own Read/Query delegation to the
// sink.Sink interface privacy.FieldCounts expects, since the Service
// itself is the only thing the HTTP layer holds a reference to. Publish is
// deliberately not meaningful here (privacy reporting only reads) so it
// reports NotSupported rather than guessing at a subject.
func (h *Handler) querySinkFor(topic string) sink.Sink {
	return serviceQuerySink{svc: h.Service}
}

type serviceQuerySink struct {
	svc *auditsvc.Service
}

func (s serviceQuerySink) Configure(map[string]any) error { return nil }
func (s serviceQuerySink) Startup(context.Context) error  { return nil }
func (s serviceQuerySink) Shutdown(context.Context) error { return nil }

func (s serviceQuerySink) Publish(context.Context, string, map[string]any) (sink.Result, error) {
	return sink.Result{}, svcerr.NotSupported("httpapi: publish is not available through the reporting adapter")
}

func (s serviceQuerySink) Read(ctx context.Context, topic, id string) (sink.Result, error) {
	return s.svc.Read(ctx, topic, id)
}

func (s serviceQuerySink) Query(ctx context.Context, topic string, filter sink.Filter, handler sink.Handler) (sink.QuerySummary, error) {
	return s.svc.Query(ctx, topic, filter, handler)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch svcerr.Reason(err) {
	case svcerr.ReasonBadRequest:
		status = http.StatusBadRequest
	case svcerr.ReasonNotSupported:
		status = http.StatusNotImplemented
	case svcerr.ReasonNotFound:
		status = http.StatusNotFound
	case svcerr.ReasonUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func intQuery(r *http.Request, key string, def, min, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < min || v > max {
		return def
	}
	return v
}

func floatQuery(r *http.Request, key string, def float64) float64 {
	v, err := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

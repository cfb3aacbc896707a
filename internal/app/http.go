package app

import (
	"cmp"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/turnkeeper/internal/engine"
	"github.com/MrWong99/turnkeeper/internal/observe"
	"github.com/MrWong99/turnkeeper/pkg/events"
)

// maxBodyBytes caps control request bodies.
const maxBodyBytes = 4 << 10

// Handler returns the HTTP control surface:
//
//	POST /session/start   start a session, body {"session_id": "..."} optional
//	POST /session/stop    stop the active session and return its report
//	GET  /status          live engine counters
//	GET  /summary         summary of the active or last session
//	GET  /events          websocket event stream, when enabled
//	GET  /metrics         Prometheus scrape endpoint
//	GET  /healthz         liveness
//	GET  /readyz          readiness
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session/start", a.handleStart)
	mux.HandleFunc("POST /session/stop", a.handleStop)
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /summary", a.handleSummary)
	if a.hub != nil {
		mux.Handle("GET "+cmp.Or(a.cfg.Sinks.WebSocket.Path, DefaultEventsPath), a.hub)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

type startRequest struct {
	SessionID string `json:"session_id"`
}

type reportResponse struct {
	Stopped   bool            `json:"stopped"`
	SessionID string          `json:"session_id,omitempty"`
	DurationS float64         `json:"duration_s,omitempty"`
	Frames    uint64          `json:"frames_processed,omitempty"`
	Summary   *events.Summary `json:"summary,omitempty"`
}

type statusResponse struct {
	UptimeS         float64 `json:"uptime_s"`
	SessionActive   bool    `json:"session_active"`
	SessionID       string  `json:"session_id,omitempty"`
	EventsInSession int     `json:"events_in_session"`
	FramesProcessed uint64  `json:"frames_processed"`
	FramesDropped   uint64  `json:"frames_dropped"`
	FramesBuffered  int     `json:"frames_buffered"`
}

type summaryResponse struct {
	SessionID string         `json:"session_id"`
	Active    bool           `json:"active"`
	Summary   events.Summary `json:"summary"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body: " + err.Error()})
		return
	}
	info := a.sessions.Start(r.Context(), req.SessionID)
	observe.Logger(r.Context()).Info("session started", observe.SessionAttr, info.SessionID)
	writeJSON(w, http.StatusOK, info)
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	rep, ok := a.sessions.Stop(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, reportResponse{})
		return
	}
	observe.Logger(r.Context()).Info("session stopped", observe.SessionAttr, rep.SessionID, "frames", rep.Frames)
	writeJSON(w, http.StatusOK, toReportResponse(rep))
}

func toReportResponse(rep engine.Report) reportResponse {
	return reportResponse{
		Stopped:   true,
		SessionID: rep.SessionID,
		DurationS: rep.Stopped.Sub(rep.Started).Round(time.Millisecond).Seconds(),
		Frames:    rep.Frames,
		Summary:   &rep.Summary,
	}
}

// dropCounter is implemented by sources that lose audio on overflow.
type dropCounter interface {
	Dropped() uint64
	FrameSize() int
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := a.eng.Status()
	resp := statusResponse{
		UptimeS:         st.Uptime.Round(time.Millisecond).Seconds(),
		SessionActive:   st.Active,
		EventsInSession: st.EventsInSession,
		FramesProcessed: st.Frames,
	}
	if st.Active {
		resp.SessionID = st.SessionID
	}
	if a.src != nil {
		resp.FramesBuffered = a.src.FramesAvailable()
		if dc, ok := a.src.(dropCounter); ok && dc.FrameSize() > 0 {
			resp.FramesDropped = dc.Dropped() / uint64(dc.FrameSize())
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleSummary(w http.ResponseWriter, _ *http.Request) {
	if info, ok := a.sessions.Active(); ok {
		writeJSON(w, http.StatusOK, summaryResponse{
			SessionID: info.SessionID,
			Active:    true,
			Summary:   a.eng.Status().Summary,
		})
		return
	}
	if rep, ok := a.sessions.Last(); ok {
		writeJSON(w, http.StatusOK, summaryResponse{SessionID: rep.SessionID, Summary: rep.Summary})
		return
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "no session"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("app: write response", "err", err)
	}
}

package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/recorder"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/session"
)

const openTimeout = 10 * time.Second

// SessionControl is the session surface the monitor reports on and drives.
type SessionControl interface {
	Open(ctx context.Context, sessionID int64) error
	Close()
	Snapshot() session.Snapshot
}

// Recorder is the rendered-overlay recorder controlled over HTTP.
type Recorder interface {
	Start() error
	Stop() error
	GetStatus() recorder.RecordingStatus
}

// Deps are the collaborators wired into the server.
type Deps struct {
	Session  SessionControl
	Frames   *FrameBroadcaster
	Events   *EventBroadcaster
	Recorder Recorder     // optional
	Metrics  http.Handler // optional, served on /metrics
}

// Server serves the local overlay monitor endpoints.
type Server struct {
	cfg      Config
	deps     Deps
	statuses *StatusBroadcaster
}

// NewServer returns a configured monitor server. Call Start before serving.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = DefaultConfig().JPEGQuality
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultConfig().StatusInterval
	}
	if deps.Frames == nil {
		deps.Frames = NewFrameBroadcaster(cfg.JPEGQuality)
	}
	if deps.Events == nil {
		deps.Events = NewEventBroadcaster()
	}

	s := &Server{cfg: cfg, deps: deps}
	s.statuses = NewStatusBroadcaster(func() any { return s.statusPayload() }, cfg.StatusInterval)
	return s
}

// Start launches the frame and status broadcasters.
func (s *Server) Start() {
	s.deps.Frames.Start()
	s.statuses.Start()
}

// Close stops the broadcasters.
func (s *Server) Close() {
	s.deps.Frames.Stop()
	s.statuses.Stop()
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/status/stream", s.handleStatusStream).Methods(http.MethodGet)
	r.HandleFunc("/api/overlay/stream", s.handleOverlayStream).Methods(http.MethodGet)
	r.HandleFunc("/api/session/{id:[0-9]+}", s.handleSessionOpen).Methods(http.MethodPost)
	r.HandleFunc("/api/session", s.handleSessionClose).Methods(http.MethodDelete)
	r.HandleFunc("/api/recording/start", s.handleRecordingStart).Methods(http.MethodPost)
	r.HandleFunc("/api/recording/stop", s.handleRecordingStop).Methods(http.MethodPost)
	r.HandleFunc("/api/recording/status", s.handleRecordingStatus).Methods(http.MethodGet)
	if s.cfg.EnableMetrics && s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	return r
}

func (s *Server) statusPayload() map[string]any {
	payload := map[string]any{
		"timestamp": float64(time.Now().Unix()),
	}
	if s.deps.Session != nil {
		payload["session"] = s.deps.Session.Snapshot()
	}
	if s.deps.Recorder != nil {
		payload["recording"] = s.deps.Recorder.GetStatus()
	}
	return payload
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.deps.Frames.Subscribe()
	defer s.deps.Frames.Unsubscribe(id)

	initial, _ := s.deps.Frames.Latest()
	streamMJPEGFromChannel(w, r, frameCh, initial)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.statuses.Subscribe()
	defer s.statuses.Unsubscribe(id)
	streamEventsFromChannel(w, r, eventCh, wantsProtobuf(r))
}

func (s *Server) handleOverlayStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.deps.Events.Subscribe()
	defer s.deps.Events.Unsubscribe(id)
	streamEventsFromChannel(w, r, eventCh, wantsProtobuf(r))
}

// wantsProtobuf reports whether the client prefers protobuf over JSON.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	if s.deps.Session == nil {
		writeJSONWithStatus(w, map[string]any{"error": "session control is not configured"}, http.StatusServiceUnavailable)
		return
	}
	sessionID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "invalid session id"}, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), openTimeout)
	defer cancel()
	if err := s.deps.Session.Open(ctx, sessionID); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadGateway)
		return
	}
	writeJSON(w, s.deps.Session.Snapshot())
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if s.deps.Session == nil {
		writeJSONWithStatus(w, map[string]any{"error": "session control is not configured"}, http.StatusServiceUnavailable)
		return
	}
	s.deps.Session.Close()
	writeJSON(w, s.deps.Session.Snapshot())
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recorder is not configured"}, http.StatusServiceUnavailable)
		return
	}
	if err := s.deps.Recorder.Start(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	status := s.deps.Recorder.GetStatus()
	writeJSON(w, map[string]any{
		"status":     "recording",
		"directory":  status.Directory,
		"started_at": float64(status.StartTime.Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recorder is not configured"}, http.StatusServiceUnavailable)
		return
	}
	if err := s.deps.Recorder.Stop(); err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	status := s.deps.Recorder.GetStatus()
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"directory":  status.Directory,
		"stats":      status,
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Recorder == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.deps.Recorder.GetStatus())
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}

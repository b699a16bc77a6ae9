// Package api — server.go
//
// HTTP surface for dashboards: state snapshot reads, command injection,
// and the streaming endpoints (WebSocket telemetry, MJPEG video relay).
//
// Every mutating endpoint maps to a single state-store or control-engine
// operation; handlers never touch locks directly. Invalid input returns
// 4xx with a JSON error body and changes no state.

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nexora/modevac/internal/config"
	"github.com/nexora/modevac/internal/control"
	"github.com/nexora/modevac/internal/fleet"
	"github.com/nexora/modevac/internal/observability"
	"github.com/nexora/modevac/internal/state"
	"github.com/nexora/modevac/internal/storage"
	"github.com/nexora/modevac/internal/vision"
)

// Server is the HTTP/WebSocket surface.
type Server struct {
	store    *state.Store
	engine   *control.Engine
	fleetMgr *fleet.Manager
	pipeline *vision.Pipeline
	db       *storage.DB
	settings *config.SettingsStore
	metrics  *observability.Metrics
	log      *zap.Logger

	hub       *Hub
	startTime time.Time
}

// NewServer wires the API over the coordinator's subsystems.
func NewServer(
	store *state.Store,
	engine *control.Engine,
	fleetMgr *fleet.Manager,
	pipeline *vision.Pipeline,
	db *storage.DB,
	settings *config.SettingsStore,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Server {
	return &Server{
		store:     store,
		engine:    engine,
		fleetMgr:  fleetMgr,
		pipeline:  pipeline,
		db:        db,
		settings:  settings,
		metrics:   metrics,
		log:       log,
		hub:       NewHub(store, metrics, log),
		startTime: time.Now(),
	}
}

// Hub returns the WebSocket hub for the broadcaster task.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/sensor", s.handleSensor)
		r.Get("/devices", s.handleDevices)
		r.Get("/workers", s.handleWorkers)
		r.Get("/detections", s.handleDetections)
		r.Get("/alert", s.handleAlert)
		r.Get("/alerts/history", s.handleAlertHistory)
		r.Get("/access_code", s.handleAccessCode)
		r.Get("/history", s.handleHistory)
		r.Get("/settings", s.handleGetSettings)
		r.Get("/video_feed", s.handleVideoFeed)

		r.Post("/alert", s.handleSetAlert)
		r.Post("/evacuate", s.handleEvacuate)
		r.Post("/safe", s.handleSafe)
		r.Post("/verify_code", s.handleVerifyCode)
		r.Post("/manual/trigger", s.handleManualTrigger)
		r.Post("/cluster/classify", s.handleClassify)
		r.Post("/cameras/register", s.handleRegisterCamera)
		r.Post("/settings", s.handleUpdateSettings)

		r.Get("/gsm/contacts", s.handleGetContacts)
		r.Post("/gsm/contacts", s.handleAddContact)
		r.Delete("/gsm/contacts/{number}", s.handleDeleteContact)
	})

	r.Get("/ws/telemetry", s.hub.ServeWS)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	return r
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func limitParam(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

// ─── Read endpoints ───────────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"alert":          s.store.GetAlert(),
		"counters":       s.store.DropCounters(),
		"vision":         s.pipeline.Stats(),
		"workers":        s.fleetMgr.ConnectedCount(),
		"ws_clients":     s.hub.ClientCount(),
	})
}

func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetSensor())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetDevices())
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleetMgr.Workers())
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetDetections(limitParam(r, 20)))
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetAlert())
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetAlertHistory(limitParam(r, 20)))
}

func (s *Server) handleAccessCode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"access_code": s.store.AccessCode()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.db.History(limitParam(r, 100))
	if err != nil {
		s.log.Warn("history read failed", zap.Error(err))
		writeJSON(w, http.StatusOK, []storage.HistoryEntry{})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Server) handleGetContacts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.GetGsmContacts())
}

// ─── Mutating endpoints ───────────────────────────────────────────────────────

func (s *Server) handleSetAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Alert  int    `json:"alert"`
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	level, err := state.ParseAlertState(body.Alert)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	applied := s.engine.Trigger(level, body.Reason, control.CategoryFromReason(body.Reason))
	writeJSON(w, http.StatusOK, map[string]any{"applied": applied, "alert": s.store.GetAlert()})
}

func (s *Server) handleEvacuate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ExitZone int `json:"exit_zone"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	s.engine.SetEvacuateMode(body.ExitZone)
	writeJSON(w, http.StatusOK, s.store.GetAlert())
}

func (s *Server) handleSafe(w http.ResponseWriter, r *http.Request) {
	s.engine.SetSafeMode()
	writeJSON(w, http.StatusOK, s.store.GetAlert())
}

func (s *Server) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": s.store.VerifyAccessCode(body.Code)})
}

func (s *Server) handleAddContact(w http.ResponseWriter, r *http.Request) {
	var c state.GsmContact
	if !decodeBody(w, r, &c) {
		return
	}
	if c.Number == "" {
		writeError(w, http.StatusBadRequest, "number is required")
		return
	}
	if !s.store.AddGsmContact(c) {
		writeError(w, http.StatusBadRequest, "mode must be \"sms\" or \"call\"")
		return
	}
	writeJSON(w, http.StatusOK, s.store.GetGsmContacts())
}

func (s *Server) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	if number == "" {
		writeError(w, http.StatusBadRequest, "number is required")
		return
	}
	s.store.DeleteGsmContact(number)
	writeJSON(w, http.StatusOK, s.store.GetGsmContacts())
}

func (s *Server) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActionType string `json:"action_type"`
		Details    string `json:"details"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ActionType == "" {
		writeError(w, http.StatusBadRequest, "action_type is required")
		return
	}
	s.store.TriggerManualAction(body.ActionType, body.Details)
	writeJSON(w, http.StatusOK, map[string]string{"queued": body.ActionType})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID       string `json:"device_id"`
		Classification string `json:"classification"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.DeviceID == "" || body.Classification == "" {
		writeError(w, http.StatusBadRequest, "device_id and classification are required")
		return
	}
	if err := s.db.SetWorkerClassification(body.DeviceID, body.Classification); err != nil {
		s.log.Warn("classification persist failed", zap.Error(err))
	}
	live := s.fleetMgr.Classify(body.DeviceID, body.Classification)
	writeJSON(w, http.StatusOK, map[string]any{"device_id": body.DeviceID, "live": live})
}

func (s *Server) handleRegisterCamera(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"device_id"`
		IP       string `json:"ip"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.DeviceID == "" || body.IP == "" {
		writeError(w, http.StatusBadRequest, "device_id and ip are required")
		return
	}
	url := body.IP
	if !strings.Contains(url, "://") {
		// Camera boards serve their stream on /stream.
		url = "http://" + url + "/stream"
	}
	s.pipeline.AddCamera(body.DeviceID, url)
	writeJSON(w, http.StatusOK, map[string]string{"device_id": body.DeviceID, "url": url})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var next config.Settings
	if !decodeBody(w, r, &next) {
		return
	}
	if err := s.settings.Update(next); err != nil {
		s.log.Warn("settings write failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, s.settings.Get())
}

// Package admin is the operator HTTP surface over the hub: statistics,
// tracked parcels, manual broadcasts, system alerts, forced cleanup and test
// messages.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tracksnap/parcelhub/internal/hub"
)

const (
	maxBodyBytes     = 1 << 20
	timestampLayout  = "2006-01-02T15:04:05.000Z07:00"
	defaultTestText  = "Test message from TrackSnap API"
	defaultBroadcast = "Admin broadcast"
)

var priorities = []string{"info", "warning", "error", "critical"}

// Hub is the part of *hub.Hub the admin API drives.
type Hub interface {
	Stats() hub.Stats
	TrackedTopics() []hub.TopicInfo
	Publish(topic string, typ hub.EventType, fields hub.Fields) int
	PublishToMany(topics []string, typ hub.EventType, fields hub.Fields) int
	PublishAll(typ hub.EventType, fields hub.Fields) int
	ForceCleanup() hub.CleanupReport
}

type Options struct {
	// AllowedOrigins drives the CORS headers. "*" allows any origin.
	AllowedOrigins []string
	Logger         *slog.Logger
	Now            func() time.Time
	NewID          func() string
}

type API struct {
	hub     Hub
	origins []string
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
	started time.Time
}

func New(h Hub, opts Options) *API {
	a := &API{
		hub:     h,
		origins: opts.AllowedOrigins,
		logger:  opts.Logger,
		now:     opts.Now,
		newID:   opts.NewID,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With("component", "admin")
	if a.now == nil {
		a.now = time.Now
	}
	if a.newID == nil {
		a.newID = uuid.NewString
	}
	a.started = a.now()
	return a
}

// Router returns a mux router with the admin routes registered. Callers may
// mount further handlers (the WebSocket endpoint, /metrics) on it.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	a.Register(r)
	return r
}

func (a *API) Register(r *mux.Router) {
	r.Use(mux.CORSMethodMiddleware(r), a.cors)

	r.HandleFunc("/health", a.health).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/ws/stats", a.stats).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/ws/tracked-parcels", a.trackedParcels).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/ws/broadcast", a.broadcast).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/ws/system-alert", a.systemAlert).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/ws/cleanup", a.cleanup).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/ws/test", a.test).Methods(http.MethodPost, http.MethodOptions)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": a.now().Sub(a.started).Round(time.Second).String(),
	})
}

type statsData struct {
	hub.Stats
	Timestamp string `json:"timestamp"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	a.success(w, "", statsData{Stats: a.hub.Stats(), Timestamp: a.timestamp()})
}

type trackedData struct {
	TotalParcels     int             `json:"totalParcels"`
	TotalSubscribers int             `json:"totalSubscribers"`
	Parcels          []hub.TopicInfo `json:"parcels"`
	Timestamp        string          `json:"timestamp"`
}

func (a *API) trackedParcels(w http.ResponseWriter, r *http.Request) {
	parcels := a.hub.TrackedTopics()
	total := 0
	for _, p := range parcels {
		total += p.SubscriberCount
	}
	a.success(w, "", trackedData{
		TotalParcels:     len(parcels),
		TotalSubscribers: total,
		Parcels:          parcels,
		Timestamp:        a.timestamp(),
	})
}

type broadcastRequest struct {
	ParcelIDs []string       `json:"parcelIds"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Message   string         `json:"message"`
}

func (a *API) broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if !a.decode(w, r, &req) {
		return
	}
	if len(req.ParcelIDs) == 0 {
		a.writeError(w, http.StatusBadRequest, "parcelIds array is required and must not be empty")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		a.writeError(w, http.StatusBadRequest, "type is required and must be a string")
		return
	}
	if req.Message == "" {
		req.Message = defaultBroadcast
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}

	delivered := a.hub.PublishToMany(req.ParcelIDs, hub.EventType(req.Type), hub.Fields{
		"message":     req.Message,
		"data":        req.Data,
		"broadcastId": "broadcast-" + a.newID(),
	})
	a.logger.Info("admin broadcast", "type", req.Type, "parcels", len(req.ParcelIDs), "delivered", delivered)

	a.success(w, fmt.Sprintf("Broadcast sent to %d parcel subscription(s)", len(req.ParcelIDs)), map[string]any{
		"parcelIds": req.ParcelIDs,
		"type":      req.Type,
		"delivered": delivered,
		"timestamp": a.timestamp(),
	})
}

type alertRequest struct {
	Message       string   `json:"message"`
	Priority      string   `json:"priority"`
	TargetParcels []string `json:"targetParcels"`
}

func (a *API) systemAlert(w http.ResponseWriter, r *http.Request) {
	var req alertRequest
	if !a.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		a.writeError(w, http.StatusBadRequest, "message is required and must be a string")
		return
	}
	if req.Priority == "" {
		req.Priority = "info"
	}
	if !validPriority(req.Priority) {
		a.writeError(w, http.StatusBadRequest, "priority must be one of: "+strings.Join(priorities, ", "))
		return
	}

	alertID := "alert-" + a.newID()
	fields := hub.Fields{"message": req.Message, "priority": req.Priority, "alertId": alertID}

	var (
		delivered int
		target    any
	)
	if len(req.TargetParcels) > 0 {
		delivered = a.hub.PublishToMany(req.TargetParcels, hub.EventSystemAlert, fields)
		target = len(req.TargetParcels)
	} else {
		delivered = a.hub.PublishAll(hub.EventSystemAlert, fields)
		target = "all_connections"
	}
	a.logger.Info("system alert", "priority", req.Priority, "delivered", delivered)

	a.success(w, "System alert broadcast successfully", map[string]any{
		"message":     req.Message,
		"priority":    req.Priority,
		"alertId":     alertID,
		"targetCount": target,
		"delivered":   delivered,
		"timestamp":   a.timestamp(),
	})
}

type cleanupCounts struct {
	ConnectedClients int `json:"connectedClients"`
	TrackedParcels   int `json:"trackedParcels"`
}

type cleanupRemoved struct {
	Clients int `json:"clients"`
	Parcels int `json:"parcels"`
}

type cleanupData struct {
	Before    cleanupCounts  `json:"before"`
	After     cleanupCounts  `json:"after"`
	Removed   cleanupRemoved `json:"removed"`
	Timestamp string         `json:"timestamp"`
}

func (a *API) cleanup(w http.ResponseWriter, r *http.Request) {
	rep := a.hub.ForceCleanup()
	before := cleanupCounts{rep.Before.TotalConnectedClients, rep.Before.TotalTopicsTracked}
	after := cleanupCounts{rep.After.TotalConnectedClients, rep.After.TotalTopicsTracked}

	a.success(w, "WebSocket cleanup completed", cleanupData{
		Before: before,
		After:  after,
		Removed: cleanupRemoved{
			Clients: before.ConnectedClients - after.ConnectedClients,
			Parcels: before.TrackedParcels - after.TrackedParcels,
		},
		Timestamp: a.timestamp(),
	})
}

type testRequest struct {
	ParcelID string `json:"parcelId"`
	Message  string `json:"message"`
}

func (a *API) test(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if !a.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ParcelID) == "" {
		a.writeError(w, http.StatusBadRequest, "parcelId is required and must be a string")
		return
	}
	if req.Message == "" {
		req.Message = defaultTestText
	}

	subscribers := a.hub.Stats().TopicSubscriberCounts[req.ParcelID]
	if subscribers == 0 {
		a.writeError(w, http.StatusNotFound, "No active subscribers found for parcel: "+req.ParcelID)
		return
	}

	delivered := a.hub.Publish(req.ParcelID, hub.EventTestMessage, hub.Fields{
		"message": req.Message,
		"testId":  "test-" + a.newID(),
	})

	a.success(w, fmt.Sprintf("Test message sent to %d subscriber(s) of parcel %s", subscribers, req.ParcelID), map[string]any{
		"parcelId":        req.ParcelID,
		"subscriberCount": subscribers,
		"delivered":       delivered,
		"timestamp":       a.timestamp(),
	})
}

func validPriority(p string) bool {
	for _, v := range priorities {
		if p == v {
			return true
		}
	}
	return false
}

func (a *API) timestamp() string {
	return a.now().UTC().Format(timestampLayout)
}

// decode reads a JSON body into dst, answering 400 itself on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			a.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		a.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (a *API) success(w http.ResponseWriter, message string, data any) {
	body := map[string]any{"status": "success", "data": data}
	if message != "" {
		body["message"] = message
	}
	a.writeJSON(w, http.StatusOK, body)
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "err", err)
	}
}

// cors sets the origin headers for allowed origins and answers preflight
// requests. Allowed methods come from mux.CORSMethodMiddleware.
func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && a.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) originAllowed(origin string) bool {
	for _, o := range a.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

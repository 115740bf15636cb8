package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"turnguard/internal/alerts"
	"turnguard/internal/broker"
	"turnguard/internal/command"
	"turnguard/internal/config"
	"turnguard/internal/model"
	"turnguard/internal/registry"
	"turnguard/internal/stats"
)

// ConfigTarget is any component that consumes configuration updates.
type ConfigTarget interface {
	UpdateConfig(cfg *config.Config)
}

type Server struct {
	cfg        *config.Manager
	registry   *registry.Registry
	alerts     *alerts.Engine
	history    *alerts.Store
	stats      *stats.Aggregator
	dispatcher *command.Dispatcher
	broker     *broker.Broker
	targets    []ConfigTarget
	logger     *slog.Logger
	version    string
}

type statusResponse struct {
	Status           string       `json:"status"`
	Time             string       `json:"time"`
	Version          string       `json:"version"`
	ConfigPath       string       `json:"config_path"`
	DegradedAlerting bool         `json:"degraded_alerting"`
	Devices          deviceCounts `json:"devices"`
	OpenAlerts       int          `json:"open_alerts"`
	Subscribers      int          `json:"subscribers"`
	Ingest           ingestStatus `json:"ingest"`
	API              apiStatus    `json:"api"`
}

type deviceCounts struct {
	Total       int `json:"total"`
	Online      int `json:"online"`
	Offline     int `json:"offline"`
	Warning     int `json:"warning"`
	Maintenance int `json:"maintenance"`
}

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
	MQTT  bool `json:"mqtt"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func Start(ctx context.Context, cfg *config.Manager, reg *registry.Registry, alertEngine *alerts.Engine, history *alerts.Store, agg *stats.Aggregator, dispatcher *command.Dispatcher, bk *broker.Broker, targets []ConfigTarget, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:        cfg,
		registry:   reg,
		alerts:     alertEngine,
		history:    history,
		stats:      agg,
		dispatcher: dispatcher,
		broker:     bk,
		targets:    targets,
		logger:     logger,
		version:    version,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/devices", server.handleDevices)
	mux.HandleFunc("/devices/", server.handleDevice)
	mux.HandleFunc("/alerts", server.handleAlerts)
	mux.HandleFunc("/alerts/", server.handleAlertAction)
	mux.HandleFunc("/stats", server.handleStats)
	mux.HandleFunc("/stats/denials", server.handleDenials)
	mux.HandleFunc("/commands", server.handleCommands)
	mux.HandleFunc("/commands/", server.handleCommandAction)
	mux.HandleFunc("/stream", server.handleStream)
	mux.HandleFunc("/config/thresholds", server.handleThresholds)

	httpServer := &http.Server{Addr: current.Addr, Handler: server.withDegraded(mux)}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

// withDegraded marks every response while alert persistence is degraded
// and refuses mutating requests. /status stays reachable.
func (s *Server) withDegraded(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.alerts != nil && s.alerts.Degraded() {
			w.Header().Set("X-Degraded", "true")
			if r.Method != http.MethodGet && r.URL.Path != "/status" {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"error":    "persistence degraded, mutating requests refused",
					"degraded": true,
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	var counts deviceCounts
	for _, d := range s.registry.Snapshot() {
		counts.Total++
		switch d.Status {
		case model.StatusOnline:
			counts.Online++
		case model.StatusOffline:
			counts.Offline++
		case model.StatusWarning:
			counts.Warning++
		case model.StatusMaintenance:
			counts.Maintenance++
		}
	}
	resp := statusResponse{
		Status:           "ok",
		Time:             time.Now().UTC().Format(time.RFC3339Nano),
		Version:          s.version,
		ConfigPath:       s.cfg.Path(),
		DegradedAlerting: s.alerts.Degraded(),
		Devices:          counts,
		OpenAlerts:       len(s.alerts.OpenAlerts()),
		Subscribers:      s.broker.SubscriberCount(),
		Ingest: ingestStatus{
			REST:  cfg.Ingest.REST.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
			MQTT:  cfg.Ingest.MQTT.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		f := registry.Filter{
			Status:   model.HealthStatus(q.Get("status")),
			Class:    model.DeviceClass(q.Get("class")),
			Location: q.Get("location"),
		}
		if q.Get("active") == "true" {
			f.ActiveOnly = true
		}
		limit := queryInt(q.Get("limit"), 0)
		offset := queryInt(q.Get("offset"), 0)
		all := make([]model.Device, 0)
		for d := range s.registry.List(f) {
			all = append(all, d)
		}
		total := len(all)
		if offset > len(all) {
			offset = len(all)
		}
		all = all[offset:]
		if limit > 0 && limit < len(all) {
			all = all[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"devices": all,
			"count":   len(all),
			"total":   total,
		})
	case http.MethodPost:
		var dev model.Device
		if !decodeBody(w, r, &dev) {
			return
		}
		if err := s.registry.Register(r.Context(), dev); err != nil {
			writeError(w, err)
			return
		}
		registered, err := s.registry.Get(dev.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, registered)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/devices/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch {
	case action == "" && r.Method == http.MethodGet:
		dev, err := s.registry.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dev)
	case action == "deactivate" && r.Method == http.MethodPost:
		if err := s.registry.Deactivate(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case action == "alerts" && r.Method == http.MethodGet:
		limit := queryInt(r.URL.Query().Get("limit"), 50)
		list := filterAlerts(s.history.List(0), id, limit)
		writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	if q.Get("open") == "true" {
		list := filterAlerts(s.alerts.OpenAlerts(), q.Get("device_id"), queryInt(q.Get("limit"), 0))
		writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
		return
	}
	var list []model.Alert
	if sinceStr := q.Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.history.Since(ts)
	} else {
		list = s.history.List(0)
	}
	list = filterAlerts(list, q.Get("device_id"), queryInt(q.Get("limit"), 0))
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleAlertAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/alerts/")
	id, action, _ := strings.Cut(rest, "/")
	if r.Method != http.MethodPost || action != "ack" || id == "" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resolved, err := s.alerts.Acknowledge(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now
	var err error
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
	windows, err := s.stats.Query(r.Context(), q.Get("device_id"), from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	var permitted, denied int64
	busiestTotal := int64(-1)
	var busiest time.Time
	for _, win := range windows {
		permitted += win.Permitted
		denied += win.Denied
		if t := win.Total(); t > busiestTotal {
			busiestTotal = t
			busiest = win.BucketStart
		}
	}
	resp := map[string]any{
		"windows":   windows,
		"count":     len(windows),
		"permitted": permitted,
		"denied":    denied,
	}
	if busiestTotal > 0 {
		resp["busiest_bucket"] = busiest.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDenials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n := queryInt(r.URL.Query().Get("n"), 10)
	reasons := s.stats.TopDenialReasons(n)
	writeJSON(w, http.StatusOK, map[string]any{"reasons": reasons, "count": len(reasons)})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		list, err := s.dispatcher.List(r.Context(), q.Get("device_id"), queryInt(q.Get("limit"), 50))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commands": list, "count": len(list)})
	case http.MethodPost:
		var req struct {
			DeviceID string              `json:"device_id"`
			Action   model.CommandAction `json:"action"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		cmd, err := s.dispatcher.Submit(r.Context(), req.DeviceID, req.Action)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, cmd)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCommandAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/commands/")
	id, action, _ := strings.Cut(rest, "/")
	if r.Method != http.MethodPost || action != "cancel" || id == "" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cmd, err := s.dispatcher.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleStream serves the realtime feed over server-sent events. Every
// stream opens with a snapshot; a slow consumer that overflows its
// buffer receives a gap marker followed by a fresh snapshot.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	q := r.URL.Query()
	filter := broker.Filter{DeviceID: q.Get("device_id")}
	if kinds := q.Get("kinds"); kinds != "" {
		filter.Kinds = make(map[broker.MessageKind]bool)
		for _, k := range strings.Split(kinds, ",") {
			filter.Kinds[broker.MessageKind(strings.TrimSpace(k))] = true
		}
	}
	sub := s.broker.Subscribe(filter)
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, msg); err != nil {
				return
			}
			flusher.Flush()
			if msg.Kind == broker.KindGap {
				s.broker.Resnapshot(sub)
			}
		}
	}
}

// thresholdsPayload is the runtime-tunable slice of the configuration.
type thresholdsPayload struct {
	Health *config.HealthConfig `json:"health,omitempty"`
	Stats  *config.StatsConfig  `json:"stats,omitempty"`
	Alerts *config.AlertsConfig `json:"alerts,omitempty"`
}

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg := s.cfg.Get()
		writeJSON(w, http.StatusOK, thresholdsPayload{
			Health: &cfg.Health,
			Stats:  &cfg.Stats,
			Alerts: &cfg.Alerts,
		})
	case http.MethodPost:
		var payload thresholdsPayload
		if !decodeBody(w, r, &payload) {
			return
		}
		current := s.cfg.Get()
		next := *current
		if payload.Health != nil {
			next.Health = *payload.Health
		}
		if payload.Stats != nil {
			next.Stats = *payload.Stats
		}
		if payload.Alerts != nil {
			next.Alerts = *payload.Alerts
		}
		if err := s.cfg.Update(&next); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		applied := s.cfg.Get()
		for _, target := range s.targets {
			target.UpdateConfig(applied)
		}
		if s.logger != nil {
			s.logger.Info("thresholds updated")
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func filterAlerts(list []model.Alert, deviceID string, limit int) []model.Alert {
	out := make([]model.Alert, 0, len(list))
	for _, a := range list {
		if deviceID != "" && a.DeviceID != deviceID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func queryInt(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, command.ErrCommandNotFound), errors.Is(err, alerts.ErrAlertNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateDevice), errors.Is(err, command.ErrCommandInFlight), errors.Is(err, command.ErrDeviceDeactivated):
		status = http.StatusConflict
	case errors.Is(err, command.ErrInvalidForMaintenance):
		status = http.StatusUnprocessableEntity
	default:
		if strings.Contains(err.Error(), "unknown action") || strings.Contains(err.Error(), "required") || strings.Contains(err.Error(), "invalid") {
			status = http.StatusBadRequest
		}
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSE(w io.Writer, msg broker.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, "event: "+string(msg.Kind)+"\n"); err != nil {
		return err
	}
	_, err = io.WriteString(w, "data: "+string(data)+"\n\n")
	return err
}

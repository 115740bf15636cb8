package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"turnguard/internal/config"
)

type RESTServer struct {
	pipeline *Pipeline
	logger   *slog.Logger
}

// StartREST exposes the ingestion endpoint devices (or their gateways)
// POST structured events to. A JSON object ingests one submission, a
// JSON array ingests a batch.
func StartREST(ctx context.Context, cfg *config.Manager, pipeline *Pipeline, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := &RESTServer{pipeline: pipeline, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest/events", server.handleEvents)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

type ingestResult struct {
	Accepted int           `json:"accepted"`
	Failed   int           `json:"failed"`
	Errors   []ingestError `json:"errors,omitempty"`
}

type ingestError struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil || len(body) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var subs []Submission
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &subs); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		var sub Submission
		if err := json.Unmarshal(trim, &sub); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		subs = []Submission{sub}
	}

	result := ingestResult{}
	for i, sub := range subs {
		if _, err := s.pipeline.Ingest(r.Context(), sub); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, ingestError{Index: i, Kind: ErrorKind(err), Error: err.Error()})
			continue
		}
		result.Accepted++
	}

	status := http.StatusOK
	if result.Accepted == 0 && result.Failed > 0 {
		status = http.StatusBadRequest
		for _, e := range result.Errors {
			if e.Kind == "backpressure" {
				status = http.StatusServiceUnavailable
				break
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

// ErrorKind maps pipeline sentinels onto the wire-level error kinds the
// dashboard renders.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnknownDevice):
		return "unknown-device"
	case errors.Is(err, ErrDeviceDeactivated):
		return "device-deactivated"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed-event"
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	default:
		return "internal"
	}
}

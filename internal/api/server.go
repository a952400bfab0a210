// Package api serves the scheduler's status over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"outletscheduler/internal/actuation"
	"outletscheduler/internal/daylight"
	"outletscheduler/internal/decision"
	"outletscheduler/internal/scheduler"

	"go.uber.org/zap"
)

// CycleSource provides the most recent evaluation
type CycleSource interface {
	LastCycle() (scheduler.Cycle, bool)
}

// Server provides the status endpoints
type Server struct {
	source  CycleSource
	started time.Time
	logger  *zap.Logger
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(source CycleSource, logger *zap.Logger, port int) *Server {
	s := &Server{
		source:  source,
		started: time.Now(),
		logger:  logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// DaylightStatus is the window used by the last cycle
type DaylightStatus struct {
	Sunrise    time.Time       `json:"sunrise"`
	Sunset     time.Time       `json:"sunset"`
	ResolvedAt time.Time       `json:"resolved_at"`
	Source     daylight.Source `json:"source"`
}

// StatusResponse is the JSON body of /api/status
type StatusResponse struct {
	CycleID      string               `json:"cycle_id"`
	StartedAt    time.Time            `json:"started_at"`
	Target       decision.Target      `json:"target"`
	Reason       string               `json:"reason"`
	IsDaylight   bool                 `json:"is_daylight"`
	InBan        bool                 `json:"in_ban"`
	NextCheckAt  time.Time            `json:"next_check_at"`
	Sleep        string               `json:"sleep"`
	Override     bool                 `json:"override_active"`
	OverrideEnds *time.Time           `json:"override_expires_at,omitempty"`
	Daylight     *DaylightStatus      `json:"daylight,omitempty"`
	Previous     actuation.PowerState `json:"previous_state,omitempty"`
	Action       actuation.Action     `json:"action"`
	Sent         bool                 `json:"sent"`
	Errors       []string             `json:"errors,omitempty"`
}

func newStatusResponse(c scheduler.Cycle) StatusResponse {
	resp := StatusResponse{
		CycleID:     c.ID,
		StartedAt:   c.StartedAt,
		Target:      c.Decision.Target,
		Reason:      c.Decision.Reason,
		IsDaylight:  c.Decision.IsDaylight,
		InBan:       c.Decision.InBan,
		NextCheckAt: c.Decision.NextCheckAt,
		Sleep:       scheduler.FormatSleep(c.Sleep),
		Override:    c.Override.Active,
		Previous:    c.Result.Previous,
		Action:      c.Result.Action,
		Sent:        c.Result.Sent,
		Errors:      c.ErrorStrings(),
	}
	if !c.Override.ExpiresAt.IsZero() {
		ends := c.Override.ExpiresAt
		resp.OverrideEnds = &ends
	}
	if c.Daylight != nil {
		resp.Daylight = &DaylightStatus{
			Sunrise:    c.Daylight.Sunrise,
			Sunset:     c.Daylight.Sunset,
			ResolvedAt: c.Daylight.ResolvedAt,
			Source:     c.Daylight.Source,
		}
	}
	return resp
}

// handleStatus returns the last cycle, or 503 before the first one completes
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c, ok := s.source.LastCycle()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no cycle completed yet"})
		return
	}

	if err := writeJSON(w, http.StatusOK, newStatusResponse(c)); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		return
	}

	s.logger.Debug("Status request served",
		zap.String("remote_addr", r.RemoteAddr))
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/api/status", Method: "GET", Description: "Last evaluation: decision, reason, next check, daylight source, override"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
}

// handleSitemap lists the endpoints as HTML for browsers and plain text otherwise
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head>
    <title>Outlet Scheduler API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        a { color: #ce9178; text-decoration: none; }
    </style>
</head>
<body>
    <h1>Outlet Scheduler API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <a href="%s">%s</a></div>
        <div>%s</div>
    </div>
`, ep.Method, ep.Path, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Outlet Scheduler API\n")
		fmt.Fprintf(w, "====================\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-14s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

// Package server wires the HTTP surface: signals ingestion, CAPI
// passthrough, health, metrics, and the operator API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/crowdsieve/crowdsieve/internal/analyzer"
	"github.com/crowdsieve/crowdsieve/internal/capi"
	"github.com/crowdsieve/crowdsieve/internal/config"
	"github.com/crowdsieve/crowdsieve/internal/lapi"
	"github.com/crowdsieve/crowdsieve/internal/pipeline"
	"github.com/crowdsieve/crowdsieve/internal/storage"
)

// maxBodyBytes caps request bodies on the ingestion routes.
const maxBodyBytes = 1 << 20

// Server is the CrowdSieve HTTP server.
type Server struct {
	cfg       *config.Config
	pipeline  *pipeline.Pipeline
	capi      *capi.Client
	store     storage.Store
	lapis     *lapi.Pool
	analyzers *analyzer.Engine // nil when the analyzer engine is disabled
	log       *zap.Logger

	httpServer *http.Server
}

// New assembles the server and its router. analyzers may be nil.
func New(cfg *config.Config, p *pipeline.Pipeline, capiClient *capi.Client, store storage.Store, lapis *lapi.Pool, analyzers *analyzer.Engine, log *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		pipeline:  p,
		capi:      capiClient,
		store:     store,
		lapis:     lapis,
		analyzers: analyzers,
		log:       log,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Proxy.ListenPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Signals ingestion, then transparent passthrough for everything else
	// the LAPIs send toward CAPI.
	r.Post("/v2/signals", s.handleSignals("v2"))
	r.Post("/v3/signals", s.handleSignals("v3"))
	r.Handle("/v2/*", http.HandlerFunc(s.handlePassthrough))
	r.Handle("/v3/*", http.HandlerFunc(s.handlePassthrough))

	r.Route("/api", func(api chi.Router) {
		// An empty origin list means no cross-origin access at all.
		if len(s.cfg.Dashboard.AllowedOrigins) > 0 {
			api.Use(cors.Handler(cors.Options{
				AllowedOrigins:   s.cfg.Dashboard.AllowedOrigins,
				AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Content-Type", "X-API-Key"},
				AllowCredentials: false,
				MaxAge:           300,
			}))
		}
		api.Use(s.rateLimit)
		api.Use(s.apiKeyAuth)

		api.Get("/alerts", s.handleListAlerts)
		api.Get("/alerts/{id}", s.handleGetAlert)
		api.Get("/stats", s.handleStats)
		api.Get("/stats/distribution", s.handleDistribution)
		api.Get("/ip-info/{ip}", s.handleIPInfo)
		api.Get("/lapi-servers", s.handleLAPIServers)
		api.Get("/decisions", s.handleDecisions)
		api.Delete("/decisions/{id}", s.handleDeleteDecision)
		api.Post("/decisions/ban", s.handleManualBan)
		api.Get("/analyzers", s.handleListAnalyzers)
		api.Post("/analyzers/{id}/run", s.handleRunAnalyzer)
	})

	return r
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleSignals feeds one batch into the pipeline and relays its
// response verbatim.
func (s *Server) handleSignals(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.readBody(w, r)
		if !ok {
			return
		}

		resp := s.pipeline.ProcessSignals(r.Context(), version, body,
			r.Header.Get("Authorization"), r.Header.Get("User-Agent"))
		writeRaw(w, resp.Status, resp.ContentType, resp.Body)
	}
}

// handlePassthrough relays any other LAPI-to-CAPI traffic unmodified.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	pathAndQuery := r.URL.Path
	if r.URL.RawQuery != "" {
		pathAndQuery += "?" + r.URL.RawQuery
	}

	resp, err := s.capi.Passthrough(r.Context(), r.Method, pathAndQuery, body, r.Header)
	if err != nil {
		s.log.Error("passthrough failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	writeRaw(w, resp.Status, resp.ContentType, resp.Body)
}

// readBody reads a size-capped request body, answering 413 on overrun.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write(body)
}

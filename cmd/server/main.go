// Command server exposes SPIRAL's evaluator over HTTP: POST a document to
// /evaluate and get back its result, optionally watching the run live over
// a websocket at /trace/{executionID} when tracing is enabled. Grounded on
// the teacher's cmd/server/main.go (flag parsing, BunStore bring-up,
// graceful shutdown), adapted from mbflow's workflow-CRUD REST surface to
// SPIRAL's single stateless evaluation endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spiral-run/spiral/internal/config"
	"github.com/spiral-run/spiral/internal/docstore"
	"github.com/spiral-run/spiral/internal/domain"
	"github.com/spiral-run/spiral/internal/effect"
	"github.com/spiral-run/spiral/internal/obslog"
	"github.com/spiral-run/spiral/pkg/spiral"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func main() {
	var port = flag.String("port", "", "server port (overrides PORT)")
	flag.Parse()

	cfg := config.Load()
	if *port != "" {
		cfg.Port = *port
	}

	log := obslog.New(cfg.Trace)
	log.Info().Str("port", cfg.Port).Bool("trace", cfg.Trace).Msg("starting spiral evaluation server")

	var store docstore.Store
	if cfg.DatabaseDSN != "" {
		bunStore := docstore.NewBunStore(cfg.DatabaseDSN)
		ctx := context.Background()
		if err := bunStore.InitSchema(ctx); err != nil {
			log.Error().Err(err).Msg("failed to initialize document cache schema")
			os.Exit(1)
		}
		log.Info().Str("dsn", maskDSN(cfg.DatabaseDSN)).Msg("using postgres-backed document cache")
		store = bunStore
	}

	var llmClient effect.LLMClient
	if cfg.OpenAIAPIKey != "" {
		llmClient = effect.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	}

	var hub *obslog.Hub
	if cfg.Trace {
		hub = obslog.NewHub(log)
		go hub.Run()
	}

	srv := &server{cfg: cfg, store: store, llmClient: llmClient, logger: log, hub: hub}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/ready", srv.handleHealth)
	mux.HandleFunc("/evaluate", srv.handleEvaluate)
	if hub != nil {
		mux.HandleFunc("/trace/", srv.handleTrace)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("address", httpServer.Addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}
	log.Info().Msg("server exited gracefully")
}

type server struct {
	cfg       *config.Config
	store     docstore.Store
	llmClient effect.LLMClient
	logger    zerolog.Logger
	hub       *obslog.Hub
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// evaluateRequest is the wire body for POST /evaluate: a document plus the
// optional inputs and per-request option overrides spec.md §6 allows.
// Document ingestion here is a convenience decode of Go's own field names,
// not a conformance JSON-Schema parse — schema validation and $imports
// transpilation are explicitly out of scope (spec.md's "Deliberately out
// of scope" list), assumed already done upstream of this endpoint.
type evaluateRequest struct {
	Document  domain.Document         `json:"document"`
	Inputs    map[string]domain.Value `json:"inputs"`
	Mode      string                  `json:"mode"` // "program" (default), "eir", "lir"
	MaxSteps  int64                   `json:"maxSteps"`
	Scheduler string                  `json:"scheduler"`
	Trace     bool                    `json:"trace"`
}

type evaluateResponse struct {
	ExecutionID string       `json:"executionId"`
	Result      domain.Value `json:"result"`
	Error       string       `json:"error,omitempty"`
}

func (s *server) buildOptions(req evaluateRequest) spiral.Options {
	opts := spiral.DefaultOptions()
	opts.DocStore = s.store
	opts.LLMClient = s.llmClient
	if req.MaxSteps > 0 {
		opts.MaxSteps = req.MaxSteps
	} else {
		opts.MaxSteps = s.cfg.MaxSteps
	}
	mode := domain.SchedulerMode(req.Scheduler)
	if mode.IsValid() {
		opts.Scheduler = mode
	} else {
		opts.Scheduler = s.cfg.Scheduler
	}
	opts.Trace = req.Trace || s.cfg.Trace
	opts.Detectors = spiral.DetectorOptions{
		Race:       s.cfg.DetectRace,
		Deadlock:   s.cfg.DetectDeadlock,
		AutoDetect: s.cfg.AutoDetect,
	}
	return opts
}

func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	doc := req.Document
	if doc.SourceURI == "" {
		doc.SourceURI = uuid.New().String()
	}
	opts := s.buildOptions(req)

	var result domain.Value
	var err error
	switch req.Mode {
	case "eir":
		var state spiral.State
		state, err = spiral.EvaluateEIR(&doc, nil, nil, req.Inputs, opts)
		result = state.Result
	case "lir":
		if lowerErr := spiral.Lower(&doc); lowerErr != nil {
			err = lowerErr
			break
		}
		var state spiral.State
		state, err = spiral.EvaluateLIR(&doc, nil, nil, req.Inputs, opts)
		result = state.Result
	default:
		result, err = spiral.EvaluateProgram(&doc, nil, nil, req.Inputs, opts)
	}

	resp := evaluateResponse{ExecutionID: doc.SourceURI, Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *server) handleTrace(w http.ResponseWriter, r *http.Request) {
	executionID := strings.TrimPrefix(r.URL.Path, "/trace/")
	if executionID == "" {
		http.Error(w, "missing execution id", http.StatusBadRequest)
		return
	}
	if err := obslog.ServeTrace(s.hub, executionID, w, r); err != nil {
		http.Error(w, "websocket upgrade failed: "+err.Error(), http.StatusBadRequest)
	}
}

// maskDSN hides a DSN's password for safe logging, unchanged in approach
// from the teacher's cmd/server helper of the same name.
func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	start, end := -1, -1
	for i := 0; i < len(dsn); i++ {
		if dsn[i] == ':' && start == -1 && i+1 < len(dsn) && dsn[i+1] != '/' {
			start = i + 1
		}
		if dsn[i] == '@' && start != -1 {
			end = i
			break
		}
	}
	if start != -1 && end != -1 && end > start {
		return dsn[:start] + "***" + dsn[end:]
	}
	return dsn
}

package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"mediashrink/internal/compressor"
	"mediashrink/internal/config"
	"mediashrink/internal/extractor"
	"mediashrink/internal/media"
	"mediashrink/internal/statistics"
	"mediashrink/internal/tools"
)

// Backend is the part of the compressor the server drives.
type Backend interface {
	compressor.Compressor
	Statistics() *statistics.Statistics
	Locator() *tools.Locator
	Prober() extractor.CachedExtractor
}

type Server struct {
	cfg        *config.Config
	log        logrus.FieldLogger
	backend    Backend
	hub        *Hub
	router     *mux.Router
	httpServer *http.Server

	// Current operation state
	operationMutex sync.RWMutex
	isRunning      bool
	cancel         context.CancelFunc
	lastSummary    *compressor.Summary
	lastError      string
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// CompressRequest is the body of POST /api/compress. Unset fields fall back
// to the server configuration.
type CompressRequest struct {
	Inputs          []string `json:"inputs"`
	Target          string   `json:"target,omitempty"`
	Quality         *int     `json:"quality,omitempty"`
	Format          string   `json:"format,omitempty"`
	Codec           string   `json:"codec,omitempty"`
	Policy          string   `json:"policy,omitempty"`
	Width           *int     `json:"width,omitempty"`
	Height          *int     `json:"height,omitempty"`
	Speed           *bool    `json:"speed,omitempty"`
	SkipExtra       *bool    `json:"skip_extra,omitempty"`
	Threads         *int     `json:"threads,omitempty"`
	ForceThreads    *bool    `json:"force_threads,omitempty"`
	ForceDistribute *bool    `json:"force_distribute,omitempty"`
	OutputDir       string   `json:"output_dir,omitempty"`
}

// ToolStatus reports whether an external binary is usable.
type ToolStatus struct {
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

func NewServer(cfg *config.Config, log logrus.FieldLogger, backend Backend, hub *Hub) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		backend: backend,
		hub:     hub,
		router:  mux.NewRouter(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")
	api.HandleFunc("/tools", s.handleTools).Methods("GET")

	s.router.Handle("/ws", s.hub)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	s.operationMutex.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.operationMutex.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	data := map[string]interface{}{
		"running":      s.isRunning,
		"last_summary": s.lastSummary,
		"last_error":   s.lastError,
	}
	s.operationMutex.RUnlock()

	s.writeJSON(w, APIResponse{Success: true, Data: data})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req CompressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Inputs) == 0 {
		s.writeError(w, "At least one input is required", http.StatusBadRequest)
		return
	}
	params, err := req.params()
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.operationMutex.Lock()
	if s.isRunning {
		s.operationMutex.Unlock()
		s.writeError(w, "Operation already in progress", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.isRunning = true
	s.cancel = cancel
	s.operationMutex.Unlock()

	go s.runCompressAsync(ctx, params)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Compression started",
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.Lock()
	running := s.isRunning
	if s.cancel != nil {
		s.cancel()
	}
	s.operationMutex.Unlock()

	if !running {
		s.writeError(w, "No operation in progress", http.StatusConflict)
		return
	}
	s.hub.Broadcast("operation_stopped", map[string]interface{}{
		"message": "Operation stopped by user",
	})
	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Operation stopping",
	})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	stats := s.backend.Statistics()
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"summary":        stats.GetSummary(),
			"counters":       stats.Snapshot(),
			"errors":         stats.GetErrorSummary(),
			"metadata_cache": s.backend.Prober().GetCacheStats(),
		},
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	locator := s.backend.Locator()
	if r.URL.Query().Get("refresh") == "true" {
		// Cached video metadata may have been read while exiftool was missing.
		locator.Invalidate()
		s.backend.Prober().ClearCache()
	}
	var status []ToolStatus
	for _, name := range []string{s.cfg.Tools.FFmpeg, s.cfg.Tools.ExifTool} {
		ts := ToolStatus{Name: name}
		path, err := locator.Get(name)
		if err != nil {
			ts.Error = err.Error()
		} else {
			ts.Path = path
			ts.Available = true
		}
		status = append(status, ts)
	}
	s.writeJSON(w, APIResponse{Success: true, Data: status})
}

func (s *Server) runCompressAsync(ctx context.Context, params compressor.CompressionParams) {
	s.hub.Broadcast("batch_started", map[string]interface{}{
		"inputs": params.InputPaths,
		"target": params.Target,
	})

	summary, err := s.backend.Compress(ctx, params)

	s.operationMutex.Lock()
	s.isRunning = false
	s.cancel = nil
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
		s.lastSummary = summary
	}
	s.operationMutex.Unlock()

	if err != nil {
		s.log.WithError(err).Error("compression failed")
		s.hub.Broadcast("batch_failed", map[string]interface{}{
			"error":         err.Error(),
			"invalid_input": errors.Is(err, media.ErrInvalidRequest),
		})
		return
	}
	s.hub.Broadcast("batch_completed", summary)
}

// params converts the request body into compressor parameters.
func (req CompressRequest) params() (compressor.CompressionParams, error) {
	p := compressor.CompressionParams{InputPaths: req.Inputs, Target: req.Target}
	if req.Target != "" {
		if _, err := media.ParseSize(req.Target); err != nil {
			return p, err
		}
	}
	if req.Quality != nil && (*req.Quality < 1 || *req.Quality > 100) {
		return p, fmt.Errorf("%w: quality %d outside 1-100", media.ErrInvalidRequest, *req.Quality)
	}
	o := &p.Overrides
	o.Quality = req.Quality
	o.Width = req.Width
	o.Height = req.Height
	o.SpeedOptimized = req.Speed
	o.SkipExtraOptimizations = req.SkipExtra
	o.Threads = req.Threads
	o.ForceThreads = req.ForceThreads
	o.ForceDistribute = req.ForceDistribute
	if req.OutputDir != "" {
		o.OutputDir = config.Ptr(req.OutputDir)
	}
	if req.Format != "" {
		f, err := media.ParseFormat(req.Format)
		if err != nil {
			return p, err
		}
		o.Format = &f
	}
	if req.Codec != "" {
		c, err := media.ParseCodec(req.Codec)
		if err != nil {
			return p, err
		}
		o.Codec = &c
	}
	if req.Policy != "" {
		pol, err := media.ParsePolicy(req.Policy)
		if err != nil {
			return p, err
		}
		o.Policy = &pol
	}
	return p, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}

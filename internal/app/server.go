// Package app wires the broker subsystems behind one HTTP surface: the
// content store, the whitelist proxy, the async-task broker and the optional
// engine middleware.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	cronv3 "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"localbroker/internal/config"
	"localbroker/internal/engine"
	"localbroker/internal/observability"
	"localbroker/internal/pathguard"
	"localbroker/internal/proxy"
	"localbroker/internal/store"
	"localbroker/internal/taskbroker"
)

const version = "2.3.0"

const (
	tempSweepMaxAge = time.Hour
	jobSweepGrace   = 30 * time.Minute
)

type Server struct {
	cfg     config.Config
	logger  zerolog.Logger
	guard   *pathguard.Guard
	store   *store.Store
	fetcher *store.Fetcher
	gateway *proxy.Gateway
	broker  *taskbroker.Broker
	engine  *engine.Engine

	janitor   *cronv3.Cron
	closeOnce sync.Once
}

func NewServer(cfg config.Config, logger zerolog.Logger) (*Server, error) {
	if cfg.AutoCreateDir {
		for _, root := range cfg.SaveRoots() {
			_ = os.MkdirAll(root, 0o755)
		}
	}

	guard := pathguard.New(cfg.EffectiveRoots())
	st, err := store.New(guard, cfg.SavePath, store.Options{
		AutoCreateDir:   cfg.AutoCreateDir,
		AllowOverwrite:  cfg.AllowOverwrite,
		ConvertPNGToJPG: cfg.ConvertPNGToJPG,
		JPGQuality:      cfg.JPGQuality,
	}, logger)
	if err != nil {
		return nil, err
	}

	gw := proxy.New(cfg.ProxyAllowedHosts, cfg.ProxyTimeout, logger)

	// Outbound job calls prefer the gateway so the allow-list applies; with
	// the proxy disabled they go out directly.
	var outbound store.Doer = &http.Client{Timeout: 60 * time.Second}
	var fetchDoer store.Doer
	if gw.Enabled() {
		outbound = gw
		fetchDoer = gw
	}

	srv := &Server{
		cfg:     cfg,
		logger:  logger,
		guard:   guard,
		store:   st,
		fetcher: store.NewFetcher(st, fetchDoer),
		gateway: gw,
		broker:  taskbroker.New(outbound, logger),
		janitor: cronv3.New(),
	}
	if cfg.EngineEnabled {
		srv.engine = engine.New(engine.Options{
			BaseURL:      cfg.EngineURL,
			WorkflowsDir: cfg.WorkflowsDir,
		}, logger)
	}
	if _, err := srv.janitor.AddFunc(cfg.JanitorSpec, srv.sweep); err != nil {
		return nil, err
	}
	return srv, nil
}

// Start launches the background pieces; they stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	s.janitor.Start()
	if s.engine != nil {
		s.engine.Start(ctx)
	}
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		<-s.janitor.Stop().Done()
	})
}

// sweep is the janitor tick: drop abandoned temp files under every save
// root and forget expired terminal engine jobs.
func (s *Server) sweep() {
	removed := 0
	for _, root := range s.cfg.SaveRoots() {
		removed += s.store.SweepTemp(root, tempSweepMaxAge)
		removed += s.store.SweepTemp(filepath.Join(root, store.CacheDirName), tempSweepMaxAge)
	}
	jobs := 0
	if s.engine != nil {
		jobs = s.engine.Sweep(jobSweepGrace)
	}
	if removed > 0 || jobs > 0 {
		s.logger.Info().Int("temp_files", removed).Int("jobs", jobs).Msg("janitor sweep")
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestID)
	if s.cfg.LogEnabled {
		r.Use(observability.Logging(s.logger))
	}
	r.Use(cors)

	r.Get("/ping", s.handleStatus)
	r.Get("/status", s.handleStatus)
	r.Get("/config", s.handleConfig)

	r.Get("/list-files", s.handleListFiles)
	r.Get("/file/*", s.handleServeFile)
	r.Head("/file/*", s.handleServeFile)

	r.Post("/save", s.handleSave)
	r.Post("/save-batch", s.handleSaveBatch)
	r.Post("/save-thumbnail", s.handleSaveThumbnail)
	r.Post("/save-cache", s.handleSaveCache)
	r.Post("/delete-file", s.handleDeleteFile)
	r.Post("/delete-batch", s.handleDeleteBatch)

	r.Handle("/proxy", http.HandlerFunc(s.handleProxy))
	r.Handle("/proxy/", http.HandlerFunc(s.handleProxy))

	r.Post("/jobs/run", s.handleRunJob)

	if s.engine != nil {
		for _, path := range []string{"/engine/queue", "/task/create", "/task/openapi/create", "/task/openapi/ai-app/run"} {
			r.Post(path, s.handleEngineCreate)
		}
		for _, path := range []string{"/task/detail", "/task/openapi/detail"} {
			r.Get(path, s.handleEngineDetail)
		}
		for _, path := range []string{"/task/outputs", "/task/openapi/outputs"} {
			r.Get(path, s.handleEngineOutputs)
		}
		r.Get("/engine/apps", s.handleEngineApps)
	}

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,HEAD,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	jobs := 0
	if s.engine != nil {
		jobs = s.engine.JobCount()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "running",
		"version": version,
		"features": map[string]interface{}{
			"proxy":              s.gateway.Enabled(),
			"engine":             s.engine != nil,
			"convert_png_to_jpg": s.cfg.ConvertPNGToJPG,
		},
		"cache_entries": s.store.EntryCount(),
		"engine_jobs":   jobs,
		"config": map[string]interface{}{
			"save_path":          s.cfg.SavePath,
			"image_save_path":    orDefault(s.cfg.ImageSavePath, s.cfg.SavePath),
			"video_save_path":    orDefault(s.cfg.VideoSavePath, s.cfg.SavePath),
			"port":               s.cfg.Port,
			"convert_png_to_jpg": s.cfg.ConvertPNGToJPG,
		},
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"save_path":           s.cfg.SavePath,
		"image_save_path":     orDefault(s.cfg.ImageSavePath, s.cfg.SavePath),
		"video_save_path":     orDefault(s.cfg.VideoSavePath, s.cfg.SavePath),
		"image_save_path_raw": s.cfg.ImageSavePath,
		"video_save_path_raw": s.cfg.VideoSavePath,
		"auto_create_dir":     s.cfg.AutoCreateDir,
		"allow_overwrite":     s.cfg.AllowOverwrite,
		"convert_png_to_jpg":  s.cfg.ConvertPNGToJPG,
		"jpg_quality":         s.cfg.JPGQuality,
		"proxy_allowed_hosts": s.cfg.ProxyAllowedHosts,
		"proxy_timeout":       s.cfg.ProxyTimeout,
	})
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Forward(w, r); err != nil {
		writeFail(w, errStatus(err), err.Error())
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

// writeFail emits the broker's standard failure body.
func writeFail(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]interface{}{"success": false, "error": message})
}

// errStatus maps subsystem sentinels to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, pathguard.ErrOutsideAllowedRoots),
		errors.Is(err, pathguard.ErrNoAllowedRoots),
		errors.Is(err, proxy.ErrHostNotAllowed),
		errors.Is(err, proxy.ErrProxyDisabled):
		return http.StatusForbidden
	case errors.Is(err, pathguard.ErrUnsafeRelPath),
		errors.Is(err, proxy.ErrMissingTarget),
		errors.Is(err, proxy.ErrBadTarget),
		errors.Is(err, store.ErrDirMissing):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, proxy.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, proxy.ErrUpstreamUnreached),
		errors.Is(err, store.ErrFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

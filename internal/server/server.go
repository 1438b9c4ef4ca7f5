// Package server provides the pveprov HTTP API server.
//
// The API has no authentication of its own and /api/proxmox/* reads the
// cluster with the configured credentials, so serve it on a trusted
// interface only.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jxucoder/pveprov/internal/engine"
	"github.com/jxucoder/pveprov/internal/logging"
	"github.com/jxucoder/pveprov/internal/metrics"
	"github.com/jxucoder/pveprov/pkg/manifest"
	"github.com/jxucoder/pveprov/pkg/model"
	"github.com/jxucoder/pveprov/pkg/proxmox"
	"github.com/jxucoder/pveprov/pkg/store"
)

// ProxmoxAPI is the part of *proxmox.Client the passthrough endpoint uses.
type ProxmoxAPI interface {
	Authenticate(ctx context.Context) (*proxmox.Session, error)
	FetchRaw(ctx context.Context, sess *proxmox.Session, path string) (json.RawMessage, error)
}

// Server is the pveprov HTTP API server.
type Server struct {
	engine  *engine.Engine
	proxmox ProxmoxAPI
	router  chi.Router
	log     *zap.SugaredLogger

	mu   sync.Mutex
	sess *proxmox.Session
}

// New creates a new Server. px may be nil, in which case the Proxmox
// passthrough answers 503.
func New(eng *engine.Engine, px ProxmoxAPI) *Server {
	s := &Server{
		engine:  eng,
		proxmox: px,
		log:     logging.Named("server"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("pveprov server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.With(middleware.Timeout(2*time.Minute)).Get("/proxmox/*", s.handleProxmox)

		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/events", s.handleRunEvents)
		r.Get("/runs/{id}/revisions", s.handleGetRevisions)
		r.Get("/runs/{id}/snapshot", s.handleGetSnapshot)
		r.Get("/runs/{id}/manifest", s.handleGetManifest)
	})

	r.Handle("/metrics", metrics.Handler())

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// --- Request/Response types ---

type createRunRequest struct {
	Request string `json:"request"`
}

type createRunResponse struct {
	ID     string       `json:"id"`
	Status model.Status `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *Server) handleProxmox(w http.ResponseWriter, r *http.Request) {
	if s.proxmox == nil {
		writeError(w, http.StatusServiceUnavailable, "proxmox is not configured")
		return
	}
	path, err := passthroughPath(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	sess, err := s.session(r.Context())
	if err != nil {
		s.writeProxmoxError(w, err)
		return
	}
	data, err := s.proxmox.FetchRaw(r.Context(), sess, path)
	if err != nil {
		var reqErr *proxmox.RequestError
		if errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusUnauthorized {
			s.dropSession(sess)
		}
		s.writeProxmoxError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// session returns the cached ticket, logging in again when it is missing
// or past its lifetime.
func (s *Server) session(ctx context.Context) (*proxmox.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.Valid() && !s.sess.Expired(time.Now()) {
		return s.sess, nil
	}
	sess, err := s.proxmox.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	s.sess = sess
	return sess, nil
}

func (s *Server) dropSession(sess *proxmox.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == sess {
		s.sess = nil
	}
}

func (s *Server) writeProxmoxError(w http.ResponseWriter, err error) {
	status := ProxmoxErrorStatus(err)
	if status >= 500 {
		s.log.Warnw("proxmox passthrough failed", "error", err)
	}
	writeError(w, status, err.Error())
}

// ProxmoxErrorStatus maps a client error to the HTTP status returned to API
// callers.
func ProxmoxErrorStatus(err error) int {
	var reqErr *proxmox.RequestError
	switch {
	case proxmox.IsAuthenticationError(err):
		return http.StatusUnauthorized
	case errors.As(err, &reqErr):
		return reqErr.StatusCode
	case proxmox.IsConnectionError(err), proxmox.IsProtocolError(err):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Request) == "" {
		writeError(w, http.StatusBadRequest, "request is required")
		return
	}

	run, err := s.engine.CreateRun(req.Request)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create run")
		s.log.Errorw("creating run", "error", err)
		return
	}
	writeJSON(w, http.StatusCreated, createRunResponse{ID: run.ID, Status: run.Status})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.engine.Store().ListRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		s.log.Errorw("listing runs", "error", err)
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying history so nothing falls between the two.
	bus := s.engine.Bus()
	ch := bus.Subscribe(run.ID)
	defer bus.Unsubscribe(run.ID, ch)

	var lastID int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		lastID, _ = strconv.ParseInt(v, 10, 64)
	}
	events, err := s.engine.Store().GetEvents(run.ID, lastID)
	if err != nil {
		s.log.Errorw("loading events", "run", run.ID, "error", err)
	}
	for _, e := range events {
		writeSSE(w, e)
		lastID = e.ID
		if e.Type == model.EventDone {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.ID != 0 && event.ID <= lastID {
				continue
			}
			writeSSE(w, event)
			flusher.Flush()
			if event.Type == model.EventDone {
				return
			}
		}
	}
}

// passthroughPath checks a Proxmox API path taken from the URL. Dot segments
// are refused, escaped or not, so a request cannot leave /api2/json.
func passthroughPath(raw string) (string, error) {
	path := strings.Trim(raw, "/")
	if path == "" {
		return "", errors.New("path is required")
	}
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return "", errors.New("invalid path escaping")
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == "." || seg == ".." || strings.Contains(seg, "\\") {
			return "", errors.Newf("invalid path segment %q", seg)
		}
	}
	return path, nil
}

func (s *Server) handleGetRevisions(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	revs, err := s.engine.Store().GetRevisions(run.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load revisions")
		return
	}
	out := make([]*model.Revision, 0, len(revs))
	for _, rev := range revs {
		out = append(out, redactRevision(rev))
	}
	writeJSON(w, http.StatusOK, out)
}

// redactRevision masks the cloud-init password in a stored revision. The raw
// model draft is dropped since it may hold the secret in any shape.
func redactRevision(rev *model.Revision) *model.Revision {
	c := *rev
	c.Draft = ""
	if len(rev.Manifest) == 0 {
		return &c
	}
	var m manifest.Manifest
	if err := json.Unmarshal(rev.Manifest, &m); err != nil {
		c.Manifest = nil
		return &c
	}
	if secret := m.CloudInit.CIPassword; secret != "" {
		c.Feedback = strings.ReplaceAll(c.Feedback, secret, manifest.RedactedValue)
		c.Terraform = strings.ReplaceAll(c.Terraform, secret, manifest.RedactedValue)
	}
	data, err := m.Redacted().JSON()
	if err != nil {
		c.Manifest = nil
		return &c
	}
	c.Manifest = data
	return &c
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	rec, err := s.engine.Store().GetSnapshot(run.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no snapshot for this run")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(rec.Snapshot)
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "yaml" && format != "terraform" {
		writeError(w, http.StatusBadRequest, "format must be json, yaml or terraform")
		return
	}

	m, rev, err := s.engine.FinalManifest(run.ID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s has no manifest (status %s)", run.ID, run.Status))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load manifest")
		s.log.Errorw("loading manifest", "run", run.ID, "error", err)
		return
	}
	w.Header().Set("X-Pveprov-Approved", strconv.FormatBool(rev.Approved))
	m = m.Redacted()

	switch format {
	case "terraform":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(rev.Terraform))
	case "yaml":
		writeManifest(w, m, (*manifest.Manifest).YAML, "application/yaml")
	default:
		writeManifest(w, m, (*manifest.Manifest).JSON, "application/json")
	}
}

func writeManifest(w http.ResponseWriter, m *manifest.Manifest, encode func(*manifest.Manifest) ([]byte, error), contentType string) {
	data, err := encode(m)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode manifest")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	id := chi.URLParam(r, "id")
	run, err := s.engine.Store().GetRun(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load run")
		s.log.Errorw("loading run", "run", id, "error", err)
		return nil, false
	}
	return run, true
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, event *model.Event) {
	data, _ := json.Marshal(event)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, string(data))
}

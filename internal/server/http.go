// Package server exposes the voice bundle service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-bundle-service/internal/core"
	"github.com/book-expert/voice-bundle-service/internal/gateway"
	"github.com/book-expert/voice-bundle-service/internal/ledger"
	"github.com/book-expert/voice-bundle-service/internal/metrics"
	"github.com/book-expert/voice-bundle-service/internal/pipeline"
	"github.com/book-expert/voice-bundle-service/internal/storageuri"
	"github.com/book-expert/voice-bundle-service/internal/synthesis"
	"github.com/book-expert/voice-bundle-service/internal/synthesis/elevenlabs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request headers of the bundle upload.
const (
	HeaderShelbyURI = "X-Shelby-Uri"
	HeaderAccount   = "X-Account"
)

// Response headers describing how speech was produced.
const (
	HeaderSynthesisRoute    = "X-Synthesis-Route"
	HeaderSynthesisStrategy = "X-Synthesis-Strategy"
)

const (
	multipartMemory   = 8 << 20
	shutdownTimeout   = 10 * time.Second
	idleTimeout       = 60 * time.Second
	defaultMaxUpload  = 25 << 20
	defaultReqTimeout = 120 * time.Second
)

// ErrUnavailable indicates a route whose backing component is not configured.
var ErrUnavailable = errors.New("not configured")

// BundleStore is the storage gateway. *gateway.Gateway implements it.
type BundleStore interface {
	Put(ctx context.Context, account, namespace, objectID string, parts map[string][]byte) (*gateway.PutResult, error)
	Get(ctx context.Context, rawURI, filename string) ([]byte, error)
	Delete(ctx context.Context, rawURI, requester string) (*gateway.DeleteResult, error)
	ListParts(ctx context.Context, rawURI string) ([]string, error)
}

// Ingestor runs the bundle pipeline. *pipeline.Processor implements it.
type Ingestor interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Synthesizer produces speech. *synthesis.Dispatcher implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Result, error)
}

// Authorizer decides read access. *access.Verifier implements it.
type Authorizer interface {
	Authorize(ctx context.Context, rawURI, requester string) error
}

// VoiceDirectory is the provider's voice management API. *elevenlabs.Client implements it.
type VoiceDirectory interface {
	ListVoices(ctx context.Context) ([]elevenlabs.Voice, error)
	CloneVoice(ctx context.Context, clone elevenlabs.CloneRequest) (string, error)
}

// EntitlementGranter records and withdraws purchases. *ledger.KVLedger implements it.
type EntitlementGranter interface {
	Grant(ctx context.Context, uri storageuri.URI, buyer string) (*ledger.Entitlement, error)
	Revoke(ctx context.Context, uri storageuri.URI, buyer string) error
}

// Config holds the listener settings. PipelineTimeout bounds one ingestion
// and falls back to Timeout when unset.
type Config struct {
	Addr            string
	Timeout         time.Duration
	PipelineTimeout time.Duration
	MaxUploadBytes  int64
}

// Dependencies are the components behind the routes. Voices and
// Entitlements may be nil; their routes then answer 503.
type Dependencies struct {
	Bundles      BundleStore
	Ingestor     Ingestor
	Synthesizer  Synthesizer
	Authorizer   Authorizer
	Voices       VoiceDirectory
	Entitlements EntitlementGranter
	Gatherer     prometheus.Gatherer
}

// HTTPServer serves the HTTP API.
type HTTPServer struct {
	server    *http.Server
	deps      Dependencies
	cfg       Config
	log       *logger.Logger
	metrics   *metrics.Metrics
	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server.
func NewHTTPServer(cfg Config, deps Dependencies, log *logger.Logger, m *metrics.Metrics) *HTTPServer {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUpload
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultReqTimeout
	}

	if cfg.PipelineTimeout <= 0 {
		cfg.PipelineTimeout = cfg.Timeout
	}

	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		deps:      deps,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		IdleTimeout:  idleTimeout,
	}

	return h
}

// Handler returns the routed handler.
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// Run serves until ctx is done, then shuts down gracefully.
func (h *HTTPServer) Run(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		h.log.Info("HTTP API listening on %s", h.server.Addr)

		err := h.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server: %w", err)

			return
		}

		errChan <- nil
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	err := h.server.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}

	return <-errChan
}

func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /v1/voices", h.withMetrics("/v1/voices", h.handleIngest))

	mux.HandleFunc("POST /v1/bundles", h.withMetrics("/v1/bundles", h.handleUpload))
	mux.HandleFunc("POST /v1/bundles/download", h.withMetrics("/v1/bundles/download", h.handleDownload))
	mux.HandleFunc("POST /v1/bundles/delete", h.withMetrics("/v1/bundles/delete", h.handleDelete))
	mux.HandleFunc("GET /v1/bundles/parts", h.withMetrics("/v1/bundles/parts", h.handleParts))

	mux.HandleFunc("POST /v1/tts/generate", h.withMetrics("/v1/tts/generate", h.handleGenerate))

	mux.HandleFunc("GET /v1/provider/voices", h.withMetrics("/v1/provider/voices", h.handleProviderVoices))
	mux.HandleFunc("POST /v1/provider/clone", h.withMetrics("/v1/provider/clone", h.handleProviderClone))

	mux.HandleFunc("POST /v1/entitlements", h.withMetrics("/v1/entitlements", h.handleGrant))
	mux.HandleFunc("POST /v1/entitlements/revoke", h.withMetrics("/v1/entitlements/revoke", h.handleRevoke))
}

// withMetrics wraps an HTTP handler with metrics collection.
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), time.Since(startTime).Seconds())
	}
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).Round(time.Second).String(),
		"components": map[string]bool{
			"provider":     h.deps.Voices != nil,
			"entitlements": h.deps.Entitlements != nil,
		},
	})
}

func (h *HTTPServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	err := h.parseMultipart(w, r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	audioData, header, err := readFormFile(r, "audio")
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.PipelineTimeout)
	defer cancel()

	result, err := h.deps.Ingestor.Process(ctx, pipeline.Request{
		Owner:       r.FormValue("owner"),
		ObjectID:    r.FormValue("voiceId"),
		Name:        r.FormValue("name"),
		Description: r.FormValue("description"),
		Audio:       audioData,
		MimeType:    header.Header.Get("Content-Type"),
	})
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (h *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	uri, err := storageuri.Parse(r.Header.Get(HeaderShelbyURI))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if !uri.OwnedBy(r.Header.Get(HeaderAccount)) {
		h.writeError(w, r, fmt.Errorf("%w: %s may not write %s", core.ErrUnauthorized, r.Header.Get(HeaderAccount), uri))

		return
	}

	err = h.parseMultipart(w, r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	parts := make(map[string][]byte, len(r.MultipartForm.File))

	for name := range r.MultipartForm.File {
		data, _, readErr := readFormFile(r, name)
		if readErr != nil {
			h.writeError(w, r, readErr)

			return
		}

		parts[name] = data
	}

	result, err := h.deps.Bundles.Put(r.Context(), uri.Account, uri.Namespace, uri.ObjectID, parts)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, result)
}

type downloadRequest struct {
	URI       string `json:"uri"`
	Filename  string `json:"filename"`
	Requester string `json:"requesterAccount"`
}

func (h *HTTPServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest

	err := decodeJSON(r, &req)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	// An empty requester is denied by the authorizer.
	err = h.deps.Authorizer.Authorize(r.Context(), req.URI, req.Requester)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	data, err := h.deps.Bundles.Get(r.Context(), req.URI, req.Filename)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", contentTypeFor(req.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)

	_, err = w.Write(data)
	if err != nil {
		h.log.Warn("Failed to write download of %s: %v", req.Filename, err)
	}
}

type deleteRequest struct {
	URI     string `json:"uri"`
	Account string `json:"account"`
}

func (h *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest

	err := decodeJSON(r, &req)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	result, err := h.deps.Bundles.Delete(r.Context(), req.URI, req.Account)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *HTTPServer) handleParts(w http.ResponseWriter, r *http.Request) {
	rawURI := r.URL.Query().Get("uri")

	names, err := h.deps.Bundles.ListParts(r.Context(), rawURI)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"uri": rawURI, "parts": names})
}

func (h *HTTPServer) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req synthesis.Request

	err := decodeJSON(r, &req)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Timeout)
	defer cancel()

	result, err := h.deps.Synthesizer.Synthesize(ctx, req)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Audio)))
	w.Header().Set(HeaderSynthesisRoute, result.Route)
	w.Header().Set(HeaderSynthesisStrategy, result.Strategy)
	w.WriteHeader(http.StatusOK)

	_, err = w.Write(result.Audio)
	if err != nil {
		h.log.Warn("Failed to write synthesized audio: %v", err)
	}
}

func (h *HTTPServer) handleProviderVoices(w http.ResponseWriter, r *http.Request) {
	if h.deps.Voices == nil {
		h.writeError(w, r, fmt.Errorf("%w: speech provider", ErrUnavailable))

		return
	}

	voices, err := h.deps.Voices.ListVoices(r.Context())
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

func (h *HTTPServer) handleProviderClone(w http.ResponseWriter, r *http.Request) {
	if h.deps.Voices == nil {
		h.writeError(w, r, fmt.Errorf("%w: speech provider", ErrUnavailable))

		return
	}

	err := h.parseMultipart(w, r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	audioData, header, err := readFormFile(r, "audio")
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	name := r.FormValue("name")
	if name == "" {
		h.writeError(w, r, fmt.Errorf("%w: name is required", core.ErrValidation))

		return
	}

	voiceID, err := h.deps.Voices.CloneVoice(r.Context(), elevenlabs.CloneRequest{
		Name:        name,
		Description: r.FormValue("description"),
		Filename:    header.Filename,
		Audio:       audioData,
	})
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"voiceId": voiceID})
}

type grantRequest struct {
	URI     string `json:"uri"`
	Account string `json:"account"`
	Buyer   string `json:"buyer"`
}

func (h *HTTPServer) handleGrant(w http.ResponseWriter, r *http.Request) {
	uri, req, err := h.decodeGrant(r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	entitlement, err := h.deps.Entitlements.Grant(r.Context(), uri, req.Buyer)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, entitlement)
}

func (h *HTTPServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	uri, req, err := h.decodeGrant(r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if req.Buyer == "" {
		h.writeError(w, r, fmt.Errorf("%w: buyer account is required", core.ErrValidation))

		return
	}

	err = h.deps.Entitlements.Revoke(r.Context(), uri, req.Buyer)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"uri": uri.String(), "buyer": req.Buyer, "status": "revoked"})
}

// decodeGrant reads an entitlement request and checks that the caller owns the object.
func (h *HTTPServer) decodeGrant(r *http.Request) (storageuri.URI, grantRequest, error) {
	var req grantRequest

	if h.deps.Entitlements == nil {
		return storageuri.URI{}, req, fmt.Errorf("%w: entitlement ledger", ErrUnavailable)
	}

	err := decodeJSON(r, &req)
	if err != nil {
		return storageuri.URI{}, req, err
	}

	uri, err := storageuri.Parse(req.URI)
	if err != nil {
		return storageuri.URI{}, req, err
	}

	if !uri.OwnedBy(req.Account) {
		return storageuri.URI{}, req, fmt.Errorf("%w: %s does not own %s", core.ErrUnauthorized, req.Account, uri)
	}

	return uri, req, nil
}

func (h *HTTPServer) parseMultipart(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)

	err := r.ParseMultipartForm(multipartMemory)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	return nil
}

func readFormFile(r *http.Request, field string) ([]byte, *multipart.FileHeader, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: form file %q: %w", core.ErrValidation, field, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, fmt.Errorf("read form file %q: %w", field, err)
	}

	return data, header, nil
}

func decodeJSON(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil {
		return fmt.Errorf("%w: malformed json body: %w", core.ErrValidation, err)
	}

	return nil
}

func contentTypeFor(filename string) string {
	switch path.Ext(filename) {
	case ".json":
		return "application/json"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

type errorBody struct {
	Error   core.Outcome `json:"error"`
	Message string       `json:"message"`
}

// writeError maps err onto a status code. The body carries the coarse outcome
// only, never the storage keys inside err.
func (h *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: core.OutcomeBadInput, Message: "upload too large"})

		return
	}

	if errors.Is(err, ErrUnavailable) {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Error:   core.OutcomeUnavailable,
			Message: core.PublicMessage(core.OutcomeUnavailable),
		})

		return
	}

	outcome := core.Classify(err)
	status := statusFor(outcome)

	if status >= http.StatusInternalServerError {
		h.log.Error("%s %s failed: %v", r.Method, r.URL.Path, err)
	} else {
		h.log.Warn("%s %s rejected: %v", r.Method, r.URL.Path, err)
	}

	writeJSON(w, status, errorBody{Error: outcome, Message: core.PublicMessage(outcome)})
}

func statusFor(outcome core.Outcome) int {
	switch outcome {
	case core.OutcomeOK:
		return http.StatusOK
	case core.OutcomeNotFound:
		return http.StatusNotFound
	case core.OutcomeForbidden:
		return http.StatusForbidden
	case core.OutcomeBadInput:
		return http.StatusBadRequest
	case core.OutcomeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

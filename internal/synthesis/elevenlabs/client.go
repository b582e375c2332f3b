// Package elevenlabs is a client for the ElevenLabs text-to-speech API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-bundle-service/internal/core"
	"golang.org/x/time/rate"
)

// Defaults of the public API.
const (
	DefaultBaseURL  = "https://api.elevenlabs.io"
	DefaultVoiceID  = "21m00Tcm4TlvDq8ikWAM"
	DefaultModelID  = "eleven_multilingual_v2"
	defaultTimeout  = 60 * time.Second
	maxErrorBodyLen = 2048
)

// API endpoints and paths.
const (
	apiTextToSpeech = "/v1/text-to-speech/"
	apiVoices       = "/v1/voices"
	apiAddVoice     = "/v1/voices/add"
)

// HTTP headers.
const (
	headerAPIKey      = "xi-api-key"
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeMPEG   = "audio/mpeg"
)

// Form field names.
const (
	formFieldFiles       = "files"
	formFieldName        = "name"
	formFieldDescription = "description"
)

// Error messages.
const (
	errFmtCreateRequest = "failed to create request: %w"
	errFmtSendRequest   = "failed to send request to %s: %w"
	errFmtNonOKStatus   = "provider returned status %s"
	errFmtRateLimit     = "rate limiter: %w"
)

var (
	// ErrMissingAPIKey indicates a client configured without credentials.
	ErrMissingAPIKey = errors.New("elevenlabs api key is not configured")
	// ErrEmptyAudio indicates a successful response without audio.
	ErrEmptyAudio = errors.New("provider returned empty audio")
	// ErrMissingVoiceID indicates a clone response without a voice id.
	ErrMissingVoiceID = errors.New("provider returned no voice id")
)

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSecond paces outgoing calls; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// Client implements core.SpeechProvider against the ElevenLabs HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	log        *logger.Logger
}

// Voice is one entry of the provider's voice list.
type Voice struct {
	VoiceID    string            `json:"voice_id"`
	Name       string            `json:"name"`
	Category   string            `json:"category,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	PreviewURL string            `json:"preview_url,omitempty"`
}

// CloneRequest registers a voice from reference audio.
type CloneRequest struct {
	Name        string
	Description string
	Filename    string
	Audio       []byte
}

type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type addVoiceResponse struct {
	VoiceID string `json:"voice_id"`
}

type listVoicesResponse struct {
	Voices []Voice `json:"voices"`
}

// errorResponse covers both {"detail": "..."} and
// {"detail": {"status": "...", "message": "..."}} bodies.
type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

type errorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewClient creates a Client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	burst := max(cfg.Burst, 1)

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		limiter:    rate.NewLimiter(limit, burst),
		log:        log,
	}
}

// Speak synthesizes text with voiceID and returns MPEG audio.
func (c *Client) Speak(ctx context.Context, voiceID, text string, settings core.VoiceSettings) ([]byte, error) {
	if voiceID == "" {
		return nil, fmt.Errorf("%w: voice id is required", core.ErrValidation)
	}

	if text == "" {
		return nil, fmt.Errorf("%w: text is required", core.ErrValidation)
	}

	modelID := settings.ModelID
	if modelID == "" {
		modelID = DefaultModelID
	}

	body, err := json.Marshal(speechRequest{
		Text:    text,
		ModelID: modelID,
		VoiceSettings: voiceSettings{
			Stability:       settings.Stability,
			SimilarityBoost: settings.SimilarityBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal speech request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, apiTextToSpeech+url.PathEscape(voiceID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set(headerContentType, contentTypeJSON)
	req.Header.Set(headerAccept, contentTypeMPEG)

	audioData, err := c.do(req)
	if err != nil {
		return nil, err
	}

	if len(audioData) == 0 {
		return nil, core.NewDiagnosticError(core.ErrUpstreamProvider, "", ErrEmptyAudio)
	}

	return audioData, nil
}

// RegisterVoice clones a voice from reference audio and returns its id.
func (c *Client) RegisterVoice(ctx context.Context, reference []byte, name string) (string, error) {
	return c.CloneVoice(ctx, CloneRequest{
		Name:     name,
		Filename: "reference.wav",
		Audio:    reference,
	})
}

// CloneVoice uploads reference audio as a multipart form.
func (c *Client) CloneVoice(ctx context.Context, clone CloneRequest) (string, error) {
	if clone.Name == "" || len(clone.Audio) == 0 {
		return "", fmt.Errorf("%w: voice name and reference audio are required", core.ErrValidation)
	}

	filename := clone.Filename
	if filename == "" {
		filename = "reference.wav"
	}

	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(formFieldFiles, filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = part.Write(clone.Audio)
	if err != nil {
		return "", fmt.Errorf("failed to write reference audio: %w", err)
	}

	err = writer.WriteField(formFieldName, clone.Name)
	if err != nil {
		return "", fmt.Errorf("failed to write name field: %w", err)
	}

	if clone.Description != "" {
		err = writer.WriteField(formFieldDescription, clone.Description)
		if err != nil {
			return "", fmt.Errorf("failed to write description field: %w", err)
		}
	}

	err = writer.Close()
	if err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, apiAddVoice, &buf)
	if err != nil {
		return "", err
	}

	req.Header.Set(headerContentType, writer.FormDataContentType())

	respBody, err := c.do(req)
	if err != nil {
		return "", err
	}

	var added addVoiceResponse

	err = json.Unmarshal(respBody, &added)
	if err != nil {
		return "", core.NewDiagnosticError(core.ErrUpstreamProvider, truncate(respBody), err)
	}

	if added.VoiceID == "" {
		return "", core.NewDiagnosticError(core.ErrUpstreamProvider, truncate(respBody), ErrMissingVoiceID)
	}

	c.log.Info("Registered provider voice %s for '%s'", added.VoiceID, clone.Name)

	return added.VoiceID, nil
}

// DeleteVoice removes a voice. A voice the provider does not know is treated as deleted.
func (c *Client) DeleteVoice(ctx context.Context, voiceID string) error {
	if voiceID == "" {
		return fmt.Errorf("%w: voice id is required", core.ErrValidation)
	}

	req, err := c.newRequest(ctx, http.MethodDelete, apiVoices+"/"+url.PathEscape(voiceID), http.NoBody)
	if err != nil {
		return err
	}

	_, err = c.do(req)
	if err != nil && !errors.Is(err, core.ErrProviderResourceNotFound) {
		return err
	}

	return nil
}

// ListVoices returns the voices available to the account.
func (c *Client) ListVoices(ctx context.Context) ([]Voice, error) {
	req, err := c.newRequest(ctx, http.MethodGet, apiVoices, http.NoBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set(headerAccept, contentTypeJSON)

	respBody, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var listed listVoicesResponse

	err = json.Unmarshal(respBody, &listed)
	if err != nil {
		return nil, core.NewDiagnosticError(core.ErrUpstreamProvider, truncate(respBody), err)
	}

	return listed.Voices, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	if c.apiKey == "" {
		return nil, core.NewDiagnosticError(core.ErrUpstreamProvider, "", ErrMissingAPIKey)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf(errFmtCreateRequest, err)
	}

	req.Header.Set(headerAPIKey, c.apiKey)

	return req, nil
}

// do waits for the limiter, sends req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	err := c.limiter.Wait(req.Context())
	if err != nil {
		return nil, fmt.Errorf(errFmtRateLimit, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.NewDiagnosticError(
			core.ErrUpstreamProvider, "", fmt.Errorf(errFmtSendRequest, req.URL.Path, err),
		)
	}

	defer func() {
		closeErr := resp.Body.Close()
		if closeErr != nil {
			c.log.Warn("Failed to close provider response body: %v", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewDiagnosticError(core.ErrUpstreamProvider, "", fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, parseErrorResponse(resp, body)
	}

	return body, nil
}

// parseErrorResponse keeps the provider's own explanation as the diagnostic.
func parseErrorResponse(resp *http.Response, body []byte) error {
	diagnostic := truncate(body)

	var parsed errorResponse
	if json.Unmarshal(body, &parsed) == nil && len(parsed.Detail) > 0 {
		var detail errorDetail

		var message string

		switch {
		case json.Unmarshal(parsed.Detail, &detail) == nil && detail.Message != "":
			diagnostic = strings.TrimSpace(detail.Status + ": " + detail.Message)
		case json.Unmarshal(parsed.Detail, &message) == nil && message != "":
			diagnostic = message
		}
	}

	statusErr := fmt.Errorf(errFmtNonOKStatus, resp.Status)
	if resp.StatusCode == http.StatusNotFound {
		statusErr = fmt.Errorf("%w: %w", core.ErrProviderResourceNotFound, statusErr)
	}

	return core.NewDiagnosticError(core.ErrUpstreamProvider, diagnostic, statusErr)
}

func truncate(body []byte) string {
	if len(body) > maxErrorBodyLen {
		body = body[:maxErrorBodyLen]
	}

	return strings.TrimSpace(string(body))
}

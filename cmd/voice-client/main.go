package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
)

// Flag descriptions.
const (
	flagServerDesc    = "Base URL of the voice service"
	flagHealthDesc    = "Check voice service health and exit"
	flagProcessDesc   = "Audio file to turn into a voice bundle"
	flagOwnerDesc     = "Owner account of the bundle (with --process, --delete)"
	flagNameDesc      = "Display name of the voice (with --process)"
	flagVoiceIDDesc   = "Object id of the bundle; generated when empty (with --process)"
	flagSpeakDesc     = "Text to convert to speech"
	flagModelDesc     = "Model reference: shelby://account/namespace/id or eleven:<voiceId>"
	flagRequesterDesc = "Requesting account (with --speak)"
	flagOutputDesc    = "Output file path (.mp3)"
	flagDeleteDesc    = "Bundle URI to delete"
	flagLogDirDesc    = "Directory for the client log"
	flagTimeoutDesc   = "Request timeout"
)

// Flag names.
const (
	flagServer    = "server"
	flagHealth    = "health"
	flagProcess   = "process"
	flagOwner     = "owner"
	flagName      = "name"
	flagVoiceID   = "voice-id"
	flagSpeak     = "speak"
	flagModel     = "model"
	flagRequester = "requester"
	flagOutput    = "output"
	flagDelete    = "delete"
	flagLogDir    = "log-dir"
	flagTimeout   = "timeout"
)

// Error and log messages.
const (
	errExactlyOneAction  = "exactly one of --health, --process, --speak or --delete must be provided"
	errModelRequired     = "--model is required with --speak"
	errOwnerRequired     = "--owner is required with --process and --delete"
	errServiceNotHealthy = "Voice service is not healthy: %v\n"
	msgServiceHealthy    = "Voice service is healthy"
	logClientInitialized = "Voice client initialized (server: %s)"
	logGenerated         = "Generated: %s (%s via %s)\n"
)

const (
	logFileName       = "voice-client.log"
	defaultServer     = "http://localhost:8080"
	defaultOutputFile = "output.mp3"
	defaultTimeout    = 2 * time.Minute
)

// errRequestFailed wraps non-2xx answers of the service.
var errRequestFailed = errors.New("request failed")

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	server    string
	health    bool
	process   string
	owner     string
	name      string
	voiceID   string
	speak     string
	model     string
	requester string
	output    string
	delete    string
	logDir    string
	timeout   time.Duration
}

func main() {
	err := run(os.Args[1:])
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	clientLog, err := logger.New(flags.logDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer clientLog.Close()

	clientLog.Info(logClientInitialized, flags.server)

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	client := newAPIClient(flags.server, flags.timeout)

	return execute(ctx, client, clientLog, flags, os.Stdout)
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("voice-client", flag.ContinueOnError)
	flagSet.StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flagSet.StringVar(&flags.process, flagProcess, "", flagProcessDesc)
	flagSet.StringVar(&flags.owner, flagOwner, "", flagOwnerDesc)
	flagSet.StringVar(&flags.name, flagName, "", flagNameDesc)
	flagSet.StringVar(&flags.voiceID, flagVoiceID, "", flagVoiceIDDesc)
	flagSet.StringVar(&flags.speak, flagSpeak, "", flagSpeakDesc)
	flagSet.StringVar(&flags.model, flagModel, "", flagModelDesc)
	flagSet.StringVar(&flags.requester, flagRequester, "", flagRequesterDesc)
	flagSet.StringVar(&flags.output, flagOutput, defaultOutputFile, flagOutputDesc)
	flagSet.StringVar(&flags.delete, flagDelete, "", flagDeleteDesc)
	flagSet.StringVar(&flags.logDir, flagLogDir, os.TempDir(), flagLogDirDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateFlags checks required and conflicting arguments.
func validateFlags(flags appFlags) error {
	actions := 0

	for _, set := range []bool{flags.health, flags.process != "", flags.speak != "", flags.delete != ""} {
		if set {
			actions++
		}
	}

	if actions != 1 {
		return errors.New(errExactlyOneAction)
	}

	if flags.speak != "" && flags.model == "" {
		return errors.New(errModelRequired)
	}

	if (flags.process != "" || flags.delete != "") && flags.owner == "" {
		return errors.New(errOwnerRequired)
	}

	return nil
}

// execute dispatches to the selected action.
func execute(ctx context.Context, client *apiClient, clientLog *logger.Logger, flags appFlags, out io.Writer) error {
	switch {
	case flags.health:
		err := client.health(ctx)
		if err != nil {
			clientLog.Error("Health check failed: %v", err)
			fmt.Fprintf(out, errServiceNotHealthy, err)

			return err
		}

		fmt.Fprintln(out, msgServiceHealthy)

		return nil
	case flags.process != "":
		audioData, err := os.ReadFile(flags.process)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", flags.process, err)
		}

		result, err := client.ingest(ctx, ingestParams{
			owner:    flags.owner,
			name:     flags.name,
			voiceID:  flags.voiceID,
			filename: filepath.Base(flags.process),
			audio:    audioData,
		})
		if err != nil {
			clientLog.Error("Failed to process %s: %v", flags.process, err)

			return err
		}

		clientLog.Info("Stored bundle %s", result)
		fmt.Fprintln(out, result)

		return nil
	case flags.speak != "":
		speech, err := client.speak(ctx, flags.model, flags.speak, flags.requester)
		if err != nil {
			clientLog.Error("Failed to synthesize: %v", err)

			return err
		}

		err = os.WriteFile(flags.output, speech.audio, 0o600)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", flags.output, err)
		}

		clientLog.Info("Wrote %d bytes of speech to %s", len(speech.audio), flags.output)
		fmt.Fprintf(out, logGenerated, flags.output, speech.route, speech.strategy)

		return nil
	default:
		result, err := client.deleteBundle(ctx, flags.delete, flags.owner)
		if err != nil {
			clientLog.Error("Failed to delete %s: %v", flags.delete, err)

			return err
		}

		fmt.Fprintln(out, result)

		return nil
	}
}

// apiClient talks to the voice service HTTP API.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type ingestParams struct {
	owner    string
	name     string
	voiceID  string
	filename string
	audio    []byte
}

type speechResult struct {
	audio    []byte
	route    string
	strategy string
}

func (c *apiClient) health(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, "/health", "", nil)

	return err
}

func (c *apiClient) ingest(ctx context.Context, params ingestParams) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for field, value := range map[string]string{
		"owner":   params.owner,
		"name":    params.name,
		"voiceId": params.voiceID,
	} {
		err := writer.WriteField(field, value)
		if err != nil {
			return "", fmt.Errorf("failed to write field %s: %w", field, err)
		}
	}

	part, err := writer.CreateFormFile("audio", params.filename)
	if err != nil {
		return "", fmt.Errorf("failed to create audio part: %w", err)
	}

	_, err = part.Write(params.audio)
	if err != nil {
		return "", fmt.Errorf("failed to write audio part: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	data, _, err := c.do(ctx, http.MethodPost, "/v1/voices", writer.FormDataContentType(), body)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(data)), nil
}

func (c *apiClient) speak(ctx context.Context, model, text, requester string) (*speechResult, error) {
	payload, err := json.Marshal(map[string]string{
		"modelUri":         model,
		"text":             text,
		"requesterAccount": requester,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal speech request: %w", err)
	}

	data, header, err := c.do(ctx, http.MethodPost, "/v1/tts/generate", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	return &speechResult{
		audio:    data,
		route:    header.Get("X-Synthesis-Route"),
		strategy: header.Get("X-Synthesis-Strategy"),
	}, nil
}

func (c *apiClient) deleteBundle(ctx context.Context, uri, account string) (string, error) {
	payload, err := json.Marshal(map[string]string{"uri": uri, "account": account})
	if err != nil {
		return "", fmt.Errorf("failed to marshal delete request: %w", err)
	}

	data, _, err := c.do(ctx, http.MethodPost, "/v1/bundles/delete", "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(data)), nil
}

func (c *apiClient) do(
	ctx context.Context,
	method, path, contentType string,
	body io.Reader,
) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, nil, fmt.Errorf("%w: %s %s: %d %s",
			errRequestFailed, method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return data, resp.Header, nil
}

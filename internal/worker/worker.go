// Package worker provides a NATS worker that answers synthesis requests.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-bundle-service/internal/core"
	"github.com/book-expert/voice-bundle-service/internal/synthesis"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const handleMessageTimeout = 30 * time.Second

// ErrEmptyModelRef indicates a request without a model reference.
var ErrEmptyModelRef = errors.New("modelUri cannot be empty")

// Synthesizer produces speech for a request. *synthesis.Dispatcher implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Result, error)
}

// SynthesizeRequestEvent asks for speech from a voice model.
type SynthesizeRequestEvent struct {
	Header    events.EventHeader `json:"header"`
	ModelURI  string             `json:"modelUri"`
	Text      string             `json:"text"`
	Requester string             `json:"requesterAccount,omitempty"`
}

// SynthesizeReplyEvent answers a SynthesizeRequestEvent. On success AudioKey
// names the audio in the audio store; on failure Outcome and Message are set.
type SynthesizeReplyEvent struct {
	Header      events.EventHeader `json:"header"`
	AudioKey    string             `json:"audioKey,omitempty"`
	ContentType string             `json:"contentType,omitempty"`
	Route       string             `json:"route,omitempty"`
	Strategy    string             `json:"strategy,omitempty"`
	Outcome     core.Outcome       `json:"outcome"`
	Message     string             `json:"message,omitempty"`
}

// NatsWorker listens for synthesis requests on a NATS subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	synthesizer    Synthesizer
	audioStore     core.ObjectStore
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	synthesizer Synthesizer,
	audioStore core.ObjectStore,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		synthesizer:    synthesizer,
		audioStore:     audioStore,
		log:            log,
	}, nil
}

// Run starts the worker and blocks until ctx is done.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		var header events.EventHeader
		if event != nil {
			header = event.Header
		}

		w.log.Error("Failed to parse and validate event: %v", err)
		w.reply(msg, failureReply(header, err))

		return
	}

	replyEvent, processErr := w.processSynthesisJob(ctx, event)
	if processErr != nil {
		w.log.Error("Failed to process synthesis job for workflow %s: %v", event.Header.WorkflowID, processErr)
		w.reply(msg, failureReply(event.Header, processErr))

		return
	}

	w.reply(msg, replyEvent)
}

// processSynthesisJob synthesizes the text and stores the audio under a fresh key.
func (w *NatsWorker) processSynthesisJob(
	ctx context.Context,
	event *SynthesizeRequestEvent,
) (*SynthesizeReplyEvent, error) {
	result, err := w.synthesizer.Synthesize(ctx, synthesis.Request{
		ModelRef:  event.ModelURI,
		Text:      event.Text,
		Requester: event.Requester,
	})
	if err != nil {
		return nil, err
	}

	audioKey := uuid.NewString() + ".mp3"

	err = w.audioStore.Upload(ctx, audioKey, result.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	return &SynthesizeReplyEvent{
		Header:      event.Header,
		AudioKey:    audioKey,
		ContentType: result.ContentType,
		Route:       result.Route,
		Strategy:    result.Strategy,
		Outcome:     core.OutcomeOK,
	}, nil
}

func failureReply(header events.EventHeader, err error) *SynthesizeReplyEvent {
	outcome := core.Classify(err)

	return &SynthesizeReplyEvent{
		Header:  header,
		Outcome: outcome,
		Message: core.PublicMessage(outcome),
	}
}

func (w *NatsWorker) reply(msg *nats.Msg, replyEvent *SynthesizeReplyEvent) {
	if msg.Reply == "" {
		return
	}

	err := w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", replyEvent.Header.WorkflowID, err)
	}
}

// publishReplyEvent marshals and responds with the reply event.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *SynthesizeReplyEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

// parseAndValidateEvent returns the decoded event alongside a validation error
// so the reply can carry its header.
func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*SynthesizeRequestEvent, error) {
	var event SynthesizeRequestEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal event: %w", core.ErrValidation, err)
	}

	if event.ModelURI == "" {
		return &event, fmt.Errorf("%w: %w", core.ErrValidation, ErrEmptyModelRef)
	}

	return &event, nil
}

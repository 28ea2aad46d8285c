package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/collaboration-engine/internal/model"
	"github.com/capitalize-ai/collaboration-engine/pkg/metrics"
)

const (
	// StreamName is the name of the collaboration event stream.
	StreamName = "COLLAB_EVENTS"

	// SubjectPrefix is the prefix for all collaboration subjects.
	SubjectPrefix = "collab"
)

// EventStream mirrors collaboration events into JetStream.
type EventStream struct {
	js jetstream.JetStream
}

// NewEventStream creates a new event stream publisher.
func NewEventStream(js jetstream.JetStream) *EventStream {
	return &EventStream{js: js}
}

// EnsureStream ensures the event stream exists with proper configuration.
func (s *EventStream) EnsureStream(ctx context.Context) error {
	// Check if stream exists
	_, err := s.js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = s.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.*.event.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Collaboration session events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(sessionID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.event.%s", SubjectPrefix, sessionID, eventType)
}

// SessionFilter returns the filter subject for all events of a session.
func SessionFilter(sessionID string) string {
	return fmt.Sprintf("%s.%s.event.>", SubjectPrefix, sessionID)
}

// PublishEvent publishes an event to JetStream. The event id doubles as the
// message id so retried publishes are deduplicated by the server.
func (s *EventStream) PublishEvent(ctx context.Context, event *model.CollaborationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.js.Publish(ctx, EventSubject(event.SessionID, event.Type), data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	metrics.NATSRelayMessages.WithLabelValues("event").Inc()
	return nil
}

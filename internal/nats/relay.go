package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/collaboration-engine/pkg/logger"
	"github.com/capitalize-ai/collaboration-engine/pkg/metrics"
)

const relayPrefix = SubjectPrefix + ".relay"

// Receiver takes frames relayed from other nodes.
type Receiver interface {
	ReceiveRelayed(sessionID string, frame []byte, detach bool)
}

// pubSub is the part of *nats.Conn the relay uses.
type pubSub interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type envelope struct {
	Node   string          `json:"node"`
	Detach bool            `json:"detach,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Relay fans broadcast frames out to every other node over core NATS.
// Frames published by this node are ignored on receipt.
type Relay struct {
	conn   pubSub
	nodeID string
	logger *logger.Logger
	sub    *nats.Subscription
}

// NewRelay creates a relay for nodeID.
func NewRelay(conn *nats.Conn, nodeID string, log *logger.Logger) *Relay {
	return newRelay(conn, nodeID, log)
}

func newRelay(conn pubSub, nodeID string, log *logger.Logger) *Relay {
	return &Relay{conn: conn, nodeID: nodeID, logger: log.With(zap.String("node_id", nodeID))}
}

// RelaySubject returns the relay subject for a session.
func RelaySubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", relayPrefix, sessionID)
}

// Publish forwards an encoded frame to the other nodes.
func (r *Relay) Publish(_ context.Context, sessionID string, frame []byte, detach bool) error {
	data, err := json.Marshal(envelope{Node: r.nodeID, Detach: detach, Frame: frame})
	if err != nil {
		return fmt.Errorf("failed to marshal relay envelope: %w", err)
	}
	if err := r.conn.Publish(RelaySubject(sessionID), data); err != nil {
		return fmt.Errorf("failed to publish relay frame: %w", err)
	}
	metrics.NATSRelayMessages.WithLabelValues("out").Inc()
	return nil
}

// Subscribe delivers frames from other nodes to recv until Close.
func (r *Relay) Subscribe(recv Receiver) error {
	sub, err := r.conn.Subscribe(relayPrefix+".*", func(msg *nats.Msg) {
		r.handle(recv, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to relay: %w", err)
	}
	r.sub = sub
	return nil
}

func (r *Relay) handle(recv Receiver, msg *nats.Msg) {
	sessionID := strings.TrimPrefix(msg.Subject, relayPrefix+".")
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn("dropping malformed relay frame", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if env.Node == r.nodeID {
		return
	}
	metrics.NATSRelayMessages.WithLabelValues("in").Inc()
	recv.ReceiveRelayed(sessionID, env.Frame, env.Detach)
}

// Close stops receiving relayed frames.
func (r *Relay) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}

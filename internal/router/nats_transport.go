package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/flowforge/orchestrator-core/internal/common/logger"
)

// NATSTransport delivers AgentMessages by publishing them to a per-agent NATS
// subject, for deployments where agents run in a separate process from the
// router (the in-process RuntimeTransport otherwise suffices).
type NATSTransport struct {
	conn   *nats.Conn
	prefix string
	logger *logger.Logger
}

// NATSTransportConfig names the connection and subject namespace.
type NATSTransportConfig struct {
	URL           string
	ClientID      string
	MaxReconnects int
	SubjectPrefix string
}

// NewNATSTransport connects to NATS and returns a Transport publishing under
// cfg.SubjectPrefix (default "orchestrator.agent").
func NewNATSTransport(cfg NATSTransportConfig, log *logger.Logger) (*NATSTransport, error) {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "orchestrator.agent"
	}

	t := &NATSTransport{prefix: prefix, logger: log.WithFields(zap.String("component", "router.nats_transport"))}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	t.conn = conn
	t.logger.Info("connected to nats", zap.String("url", cfg.URL))
	return t, nil
}

// Deliver publishes msg to the subject "<prefix>.<agentID>".
func (t *NATSTransport) Deliver(ctx context.Context, agentID string, msg AgentMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", t.prefix, agentID)
	if err := t.conn.Publish(subject, data); err != nil {
		t.logger.Error("failed to publish message", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the underlying connection.
func (t *NATSTransport) Close() {
	if t.conn == nil {
		return
	}
	if err := t.conn.Drain(); err != nil {
		t.logger.Warn("error draining nats connection", zap.Error(err))
		t.conn.Close()
		return
	}
	t.logger.Info("nats connection closed")
}

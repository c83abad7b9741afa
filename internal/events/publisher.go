// Package events publishes domain events (generation lifecycle, billing
// reconciliation) to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	defaultStreamName    = "ATELIER"
	defaultSubjectPrefix = "atelier"
	streamSetupTimeout   = 5 * time.Second
)

// jetStreamPublisher is the part of jetstream.JetStream used here.
type jetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes JSON payloads under "<prefix>.<subject>".
type NATSPublisher struct {
	connection *nats.Conn
	stream     jetStreamPublisher
	prefix     string
}

// NewNATSPublisher connects and ensures the stream exists.
func NewNATSPublisher(url string, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	connection, err := nats.Connect(url,
		nats.Name("atelier"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	stream, err := jetstream.New(connection)
	if err != nil {
		connection.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamSetupTimeout)
	defer cancel()
	_, err = stream.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      defaultStreamName,
		Subjects:  []string{defaultSubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		// The stream may be managed elsewhere; publishing still works if it exists.
		logger.Warn("nats stream setup failed", zap.String("stream", defaultStreamName), zap.Error(err))
	}
	return &NATSPublisher{connection: connection, stream: stream, prefix: defaultSubjectPrefix}, nil
}

// Publish implements the Publisher contracts of the generation and billing packages.
func (publisher *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	fullSubject := publisher.prefix + "." + strings.TrimPrefix(subject, ".")
	if _, err := publisher.stream.Publish(ctx, fullSubject, data); err != nil {
		return fmt.Errorf("publish event to %s: %w", fullSubject, err)
	}
	return nil
}

func (publisher *NATSPublisher) Close() {
	if publisher.connection != nil {
		_ = publisher.connection.Drain()
	}
}

// LogPublisher records events in the log when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (publisher *LogPublisher) Publish(_ context.Context, subject string, payload any) error {
	publisher.logger.Debug("domain event", zap.String("subject", subject), zap.Any("payload", payload))
	return nil
}

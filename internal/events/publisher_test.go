package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingStream struct {
	subject string
	data    []byte
	err     error
}

func (stream *recordingStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	stream.subject = subject
	stream.data = data
	if stream.err != nil {
		return nil, stream.err
	}
	return &jetstream.PubAck{Stream: defaultStreamName, Sequence: 1}, nil
}

func TestNATSPublisherPrefixesSubject(test *testing.T) {
	test.Parallel()
	stream := &recordingStream{}
	publisher := &NATSPublisher{stream: stream, prefix: defaultSubjectPrefix}

	err := publisher.Publish(context.Background(), "generation.completed", map[string]string{"generation_id": "gen-1"})
	if err != nil {
		test.Fatalf("publish: %v", err)
	}
	if stream.subject != "atelier.generation.completed" {
		test.Fatalf("unexpected subject %q", stream.subject)
	}
	var decoded map[string]string
	if err := json.Unmarshal(stream.data, &decoded); err != nil || decoded["generation_id"] != "gen-1" {
		test.Fatalf("unexpected payload %s (%v)", stream.data, err)
	}
}

func TestNATSPublisherWrapsFailure(test *testing.T) {
	test.Parallel()
	failure := errors.New("no responders")
	publisher := &NATSPublisher{stream: &recordingStream{err: failure}, prefix: defaultSubjectPrefix}
	if err := publisher.Publish(context.Background(), "billing.recharged", struct{}{}); !errors.Is(err, failure) {
		test.Fatalf("expected wrapped failure, got %v", err)
	}
}

func TestLogPublisherLogsAtDebug(test *testing.T) {
	test.Parallel()
	core, observed := observer.New(zap.DebugLevel)
	publisher := NewLogPublisher(zap.New(core))
	if err := publisher.Publish(context.Background(), "generation.failed", map[string]string{"reason": "timeout"}); err != nil {
		test.Fatalf("publish: %v", err)
	}
	entries := observed.FilterMessage("domain event").All()
	if len(entries) != 1 || entries[0].ContextMap()["subject"] != "generation.failed" {
		test.Fatalf("unexpected log entries %+v", entries)
	}
}

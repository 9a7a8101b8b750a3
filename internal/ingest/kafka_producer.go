package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/campus-escort/internal/models"
	"github.com/example/campus-escort/internal/observability"
)

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes driver pings and ride lifecycle events. Each
// message is keyed by its aggregate id so per-driver and per-ride order is
// kept within a partition.
type KafkaProducer struct {
	locations   messageWriter
	rides       messageWriter
	locTopic    string
	rideTopic   string
	sendTimeout time.Duration
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations:   newWriter(brokers, locationTopic),
		rides:       newWriter(brokers, rideTopic),
		locTopic:    locationTopic,
		rideTopic:   rideTopic,
		sendTimeout: 2 * time.Second,
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, ev models.LocationEvent) error {
	return k.publish(ctx, k.locations, k.locTopic, ev.DriverID, ev)
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	return k.publish(ctx, k.rides, k.rideTopic, ev.RideID, ev)
}

func (k *KafkaProducer) publish(ctx context.Context, w messageWriter, topic, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.sendTimeout)
	defer cancel()
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		observability.EventsPublished.WithLabelValues(topic, "error").Inc()
		return err
	}
	observability.EventsPublished.WithLabelValues(topic, "ok").Inc()
	return nil
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []messageWriter{k.locations, k.rides} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

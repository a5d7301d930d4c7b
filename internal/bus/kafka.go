// Package bus publishes alerts to Kafka so external consumers (dashboards,
// report generators) can follow the alert stream without polling the store.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/metgo/valleymet/internal/models"
)

// AlertWriter produces one message per alert, keyed by alert ID so
// replays stay idempotent for compacted consumers.
type AlertWriter struct {
	writer *kafkago.Writer
}

func NewAlertWriter(brokers []string, topic string) *AlertWriter {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &AlertWriter{writer: w}
}

type alertMessage struct {
	ID             string  `json:"id"`
	Timestamp      string  `json:"timestamp"`
	Kind           string  `json:"kind"`
	Severity       string  `json:"severity"`
	StationID      string  `json:"station_id,omitempty"`
	ObservedValue  float64 `json:"observed_value"`
	Threshold      float64 `json:"threshold"`
	Message        string  `json:"message"`
	Recommendation string  `json:"recommendation,omitempty"`
}

func (w *AlertWriter) PublishAlert(ctx context.Context, a models.Alert) error {
	payload, err := json.Marshal(alertMessage{
		ID:             a.ID,
		Timestamp:      a.Timestamp.UTC().Format(time.RFC3339),
		Kind:           string(a.Kind),
		Severity:       a.Severity.String(),
		StationID:      a.StationID.String,
		ObservedValue:  a.ObservedValue,
		Threshold:      a.Threshold,
		Message:        a.Message,
		Recommendation: a.Recommendation,
	})
	if err != nil {
		return fmt.Errorf("serialize alert: %w", err)
	}
	return w.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(a.ID),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(a.Kind)},
			{Key: "severity", Value: []byte(a.Severity.String())},
		},
	})
}

func (w *AlertWriter) Close() error {
	return w.writer.Close()
}

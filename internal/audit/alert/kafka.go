// Package alert publishes operator alerts for audit write failures and
// privileged cross-tenant overrides.
package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"tenantguard/internal/audit"
)

// Producer is the subset of *kgo.Client used for alerts.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Kafka publishes alerts as JSON records keyed by the target tenant.
type Kafka struct {
	producer Producer
	topic    string
}

func NewKafka(producer Producer, topic string) *Kafka {
	return &Kafka{producer: producer, topic: topic}
}

func (k *Kafka) Alert(ctx context.Context, a audit.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	key := a.Entry.TargetTenantID
	if key == "" {
		key = a.Entry.IdentityID
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(key),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(a.Kind)},
			{Key: "audit_id", Value: []byte(a.Entry.ID)},
		},
	}
	if err := k.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce alert: %w", err)
	}
	return nil
}

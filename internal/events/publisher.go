// Package events delivers payment events to Kafka consumers and NATS notifications.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	"github.com/akylbek/storefront-payments/internal/interfaces"
	"github.com/akylbek/storefront-payments/internal/models"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds the writer for the payment state stream.
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// KafkaPublisher keys every message by transaction id so a transaction's events stay ordered
// within a partition.
type KafkaPublisher struct {
	writer MessageWriter
}

func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt models.PaymentEvent) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode payment event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.TransactionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("write payment event: %w", err)
	}
	return nil
}

// NATSPublisher is the part of *nats.Conn the notifier uses.
type NATSPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Notification is what the notification system receives, one per customer-visible outcome.
type Notification struct {
	Kind          string `json:"kind"`
	TransactionID string `json:"transaction_id"`
	OrderID       string `json:"order_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Method        string `json:"method"`
}

// NATSNotifier publishes fire-and-forget notifications. Conflicts and pending enrichment are
// internal and not notified.
type NATSNotifier struct {
	conn    NATSPublisher
	subject string
}

func NewNATSNotifier(conn NATSPublisher, subject string) *NATSNotifier {
	return &NATSNotifier{conn: conn, subject: subject}
}

func (n *NATSNotifier) Publish(_ context.Context, evt models.PaymentEvent) error {
	kind, ok := notificationKind(evt)
	if !ok {
		return nil
	}

	amount := evt.AmountDisplay
	if evt.Type == models.EventRefunded {
		amount = models.FormatAmount(evt.RefundAmount, evt.Currency)
	}
	data, err := json.Marshal(Notification{
		Kind:          kind,
		TransactionID: evt.TransactionID,
		OrderID:       evt.OrderID,
		Amount:        amount,
		Currency:      evt.Currency,
		Method:        string(evt.Method),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	msg := nats.NewMsg(n.subject + "." + kind)
	msg.Data = data
	msg.Header.Set("Nats-Msg-Id", evt.TransactionID+":"+kind+":"+evt.RefundID)
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func notificationKind(evt models.PaymentEvent) (string, bool) {
	switch evt.Type {
	case models.EventRefunded:
		return "refund_approved", true
	case models.EventTransitioned:
		switch evt.State {
		case models.StatusApproved:
			return "payment_approved", true
		case models.StatusFailed:
			return "payment_failed", true
		}
	}
	return "", false
}

// MultiPublisher fans an event out to every publisher and reports all failures.
type MultiPublisher []interfaces.EventPublisher

func (m MultiPublisher) Publish(ctx context.Context, evt models.PaymentEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopPublisher drops events. It stands in when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, models.PaymentEvent) error { return nil }

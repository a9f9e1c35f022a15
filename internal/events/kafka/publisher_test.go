package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Underflow0/kid-bank/internal/models/events"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (c *captureWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error {
	c.closed = true
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	w := &captureWriter{}
	p := NewPublisherWithWriter(w)

	event := events.BalanceAdjusted{
		TransactionID: "tx-1",
		UserID:        "c1",
		Amount:        decimal.RequireFromString("5.00"),
		Type:          "interest",
		BalanceAfter:  decimal.RequireFromString("105.00"),
		InitiatedBy:   "SYSTEM",
		OccurredAt:    time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := p.Publish(context.Background(), "c1", event); err != nil {
		t.Fatal(err)
	}

	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "c1" {
		t.Fatalf("messages = %+v", w.msgs)
	}
	var decoded map[string]any
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["transaction_id"] != "tx-1" || decoded["balance_after"] != "105" {
		t.Errorf("payload = %v", decoded)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close: %v", err)
	}
}

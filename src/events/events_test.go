package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

func TestBuildMessages(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	evts := []Event{
		{Type: PayoutBroadcast, Key: "pred-1", At: at, Data: map[string]any{"tx": "abc"}},
		{Type: PayoutAlert, Key: "pred-2", At: at, Data: nil},
	}
	msgs, err := BuildMessages(evts)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if string(msgs[0].Key) != "pred-1" || string(msgs[1].Key) != "pred-2" {
		t.Fatalf("unexpected keys %s, %s", msgs[0].Key, msgs[1].Key)
	}
	if string(msgs[0].Headers[0].Value) != string(PayoutBroadcast) {
		t.Fatalf("unexpected type header %s", msgs[0].Headers[0].Value)
	}
	if !msgs[0].Time.Equal(at) {
		t.Fatalf("unexpected message time %s", msgs[0].Time)
	}

	decoded := map[string]any{}
	if err := json.Unmarshal(msgs[0].Value, &decoded); err != nil {
		t.Fatal(err)
	}
	expected := map[string]any{
		"type": "payout.broadcast",
		"key":  "pred-1",
		"at":   "2024-03-01T12:00:00Z",
		"data": map[string]any{"tx": "abc"},
	}
	if d := cmp.Diff(expected, decoded); d != "" {
		t.Fatalf("unexpected payload: %s", d)
	}
}

func TestMemoryPublisher(t *testing.T) {
	mp := &MemoryPublisher{}
	mp.Publish(context.Background(), NewEvent(PredictionResolved, "a", nil), NewEvent(PayoutAlert, "b", nil))
	mp.Publish(context.Background(), NewEvent(PayoutAlert, "c", nil))
	if len(mp.Events()) != 3 {
		t.Fatalf("expected 3 events, got %d", len(mp.Events()))
	}
	alerts := mp.OfType(PayoutAlert)
	if len(alerts) != 2 || alerts[0].Key != "b" || alerts[1].Key != "c" {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
}

func TestKafkaPublisherFlushesPromptly(t *testing.T) {
	kp := NewKafkaPublisher([]string{"localhost:9092"}, "settlement_events", zap.NewNop())
	defer kp.Close()
	if kp.writer.BatchTimeout > 50*time.Millisecond {
		t.Fatalf("batch timeout %s would stall every disbursed batch", kp.writer.BatchTimeout)
	}
	if kp.writer.RequiredAcks != kafka.RequireOne {
		t.Fatalf("expected leader acks, got %v", kp.writer.RequiredAcks)
	}
}

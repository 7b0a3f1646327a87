package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/email-dispatch"

func TestKick_SendsMessage(t *testing.T) {
	mock := &mockSQSSender{}
	kicker := NewDispatchKicker(mock, testQueueURL, nil)

	if err := kicker.Kick(context.Background(), "n-1", "enqueued"); err != nil {
		t.Fatalf("Kick returned unexpected error: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SendMessage call, got %d", len(mock.calls))
	}

	call := mock.calls[0]
	if *call.QueueUrl != testQueueURL {
		t.Errorf("QueueUrl = %q, want %q", *call.QueueUrl, testQueueURL)
	}
	var msg KickMessage
	if err := json.Unmarshal([]byte(*call.MessageBody), &msg); err != nil {
		t.Fatalf("body is not a KickMessage: %v", err)
	}
	if msg.NotificationID != "n-1" || msg.Reason != "enqueued" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt must be set")
	}
	if got := *call.MessageAttributes["reason"].StringValue; got != "enqueued" {
		t.Errorf("reason attribute = %q", got)
	}
}

func TestKick_WrapsSendError(t *testing.T) {
	mock := &mockSQSSender{err: fmt.Errorf("throttled")}
	kicker := NewDispatchKicker(mock, testQueueURL, nil)

	err := kicker.Kick(context.Background(), "n-1", "enqueued")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "throttled") || !strings.Contains(err.Error(), testQueueURL) {
		t.Errorf("error %q should name the queue and cause", err)
	}
}

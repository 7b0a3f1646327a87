package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"bringmehome/internal/types"
)

type fakeRunner struct {
	stats *types.RunStats
	err   error
	calls int
}

func (f *fakeRunner) Run(context.Context) (*types.RunStats, error) {
	f.calls++
	return f.stats, f.err
}

func newHandler(r *fakeRunner) *Handler {
	return &Handler{Runner: r, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

const sqsBatch = `{"Records":[
	{"messageId":"m-1","eventSource":"aws:sqs","body":"{\"reason\":\"enqueue\"}"},
	{"messageId":"m-2","eventSource":"aws:sqs","body":"{\"reason\":\"enqueue\"}"}
]}`

const scheduledEvent = `{"version":"0","id":"e-1","detail-type":"Scheduled Event","source":"aws.events",
	"time":"2026-03-14T09:00:00Z","region":"us-east-1","resources":[],"detail":{}}`

func TestHandle_SQSBatchCollapsesIntoOneRun(t *testing.T) {
	r := &fakeRunner{stats: &types.RunStats{Processed: 2, Sent: 2}}
	h := newHandler(r)

	out, err := h.Handle(context.Background(), json.RawMessage(sqsBatch))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if r.calls != 1 {
		t.Errorf("runs = %d, want 1", r.calls)
	}
	resp, ok := out.(events.SQSEventResponse)
	if !ok {
		t.Fatalf("response type %T, want events.SQSEventResponse", out)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("unexpected failures %v", resp.BatchItemFailures)
	}
}

func TestHandle_SQSRunFailureReportsEveryMessage(t *testing.T) {
	r := &fakeRunner{err: errors.New("db down")}
	h := newHandler(r)

	out, err := h.Handle(context.Background(), json.RawMessage(sqsBatch))
	if err != nil {
		t.Fatalf("Handle returned error for SQS batch: %v", err)
	}
	resp := out.(events.SQSEventResponse)
	if len(resp.BatchItemFailures) != 2 {
		t.Fatalf("failures = %d, want 2", len(resp.BatchItemFailures))
	}
	if resp.BatchItemFailures[0].ItemIdentifier != "m-1" || resp.BatchItemFailures[1].ItemIdentifier != "m-2" {
		t.Errorf("failures = %+v", resp.BatchItemFailures)
	}
}

func TestHandle_ScheduledEvent(t *testing.T) {
	r := &fakeRunner{stats: &types.RunStats{Processed: 5, Sent: 4, Failed: 1}}
	h := newHandler(r)

	out, err := h.Handle(context.Background(), json.RawMessage(scheduledEvent))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	stats, ok := out.(*types.RunStats)
	if !ok || stats.Sent != 4 {
		t.Errorf("got %#v, want run stats with 4 sent", out)
	}
}

func TestHandle_ScheduledRunFailureIsReturned(t *testing.T) {
	h := newHandler(&fakeRunner{err: errors.New("lock backend unavailable")})

	if _, err := h.Handle(context.Background(), json.RawMessage(scheduledEvent)); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunOnce(t *testing.T) {
	t.Run("prints stats", func(t *testing.T) {
		var buf bytes.Buffer
		h := newHandler(&fakeRunner{stats: &types.RunStats{Processed: 1, Sent: 1}})

		if err := runOnce(context.Background(), h, &buf); err != nil {
			t.Fatalf("runOnce: %v", err)
		}
		var got types.RunStats
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("output is not JSON: %v", err)
		}
		if got.Sent != 1 {
			t.Errorf("sent = %d, want 1", got.Sent)
		}
	})

	t.Run("propagates failure", func(t *testing.T) {
		h := newHandler(&fakeRunner{err: errors.New("boom")})
		if err := runOnce(context.Background(), h, io.Discard); err == nil {
			t.Fatal("expected error")
		}
	})
}

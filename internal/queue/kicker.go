// Package queue is the producer side of the email queue: it inserts rendered
// notifications and nudges the dispatcher when one is due immediately.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// KickMessage is the body of a dispatch kick. The worker ignores the content
// beyond logging it; any message triggers one run.
type KickMessage struct {
	NotificationID string    `json:"notificationId"`
	Reason         string    `json:"reason"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}

// DispatchKicker sends kick messages to the dispatch queue consumed by the
// email worker.
type DispatchKicker struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewDispatchKicker creates a DispatchKicker for queueURL.
func NewDispatchKicker(client SQSSender, queueURL string, logger *slog.Logger) *DispatchKicker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DispatchKicker{client: client, queueURL: queueURL, logger: logger}
}

// Kick asks the dispatcher to run soon on behalf of notificationID.
func (k *DispatchKicker) Kick(ctx context.Context, notificationID, reason string) error {
	body, err := json.Marshal(KickMessage{
		NotificationID: notificationID,
		Reason:         reason,
		EnqueuedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("queue: failed to marshal kick message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(k.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	}

	if _, err := k.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send kick to %s: %w", k.queueURL, err)
	}

	k.logger.InfoContext(ctx, "dispatch kick sent",
		"queue_url", k.queueURL,
		"notification_id", notificationID,
		"reason", reason,
	)
	return nil
}

// Package queue provides the SQS producer that hands notices to the email
// worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"funnelmetrics/internal/types"
)

// SQSSender is the subset of *sqs.Client used by the publisher.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// NoticePublisher serializes notices onto the notice queue.
type NoticePublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

var _ types.NoticePublisher = (*NoticePublisher)(nil)

func NewNoticePublisher(client SQSSender, queueURL string, logger *slog.Logger) *NoticePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoticePublisher{client: client, queueURL: queueURL, logger: logger}
}

// Publish sends one notice. The kind is duplicated into a message attribute
// so queue subscriptions can filter without parsing the body.
func (p *NoticePublisher) Publish(ctx context.Context, notice types.Notice) error {
	if notice.NoticeID == "" || notice.Email == "" {
		return fmt.Errorf("queue: notice requires an id and recipient")
	}

	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal notice: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notice.Kind)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("queue: failed to send notice %s: %w", notice.NoticeID, err)
	}

	p.logger.InfoContext(ctx, "notice enqueued",
		"notice_id", notice.NoticeID,
		"kind", string(notice.Kind),
		"user_id", notice.UserID,
		"trace_id", notice.TraceID,
	)
	return nil
}

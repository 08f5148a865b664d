// Package intake consumes submission requests from an SQS queue.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/programme-lv/referee/api"
	"github.com/programme-lv/referee/internal/logger"
)

// Queue is the subset of the SQS client the loop needs.
type Queue interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type Submitter interface {
	Submit(ctx context.Context, submissionID uuid.UUID) (string, error)
}

// Consumer long-polls a queue and submits every well-formed request.
type Consumer struct {
	queue    Queue
	queueURL string
	subm     Submitter

	// WaitTime is the long-poll duration per receive call.
	WaitTime time.Duration
	// ErrorDelay is how long to pause after a failed receive.
	ErrorDelay time.Duration
}

func NewConsumer(queue Queue, queueURL string, subm Submitter) *Consumer {
	return &Consumer{
		queue:      queue,
		queueURL:   queueURL,
		subm:       subm,
		WaitTime:   20 * time.Second,
		ErrorDelay: time.Second,
	}
}

// NewSQSClient loads the default AWS configuration for region.
func NewSQSClient(ctx context.Context, region string) (*sqs.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

// Run receives until ctx is cancelled and then returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.FromContext(ctx).With("queue", c.queueURL)
	log.Info("listening for submissions")

	for {
		if ctx.Err() != nil {
			log.Info("intake stopped")
			return nil
		}

		out, err := c.queue.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     int32(c.WaitTime / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error("failed to receive messages", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.ErrorDelay):
			}
			continue
		}

		for _, msg := range out.Messages {
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg types.Message) {
	log := logger.FromContext(ctx).With("message_id", aws.ToString(msg.MessageId))

	id, err := parseRequest(aws.ToString(msg.Body))
	if err != nil {
		log.Warn("dropping malformed request", "error", err)
		c.delete(ctx, msg)
		return
	}

	handle, err := c.subm.Submit(ctx, id)
	if err != nil {
		// left on the queue; it reappears after the visibility timeout
		log.Error("failed to submit", "submission_id", id, "error", err)
		return
	}
	log.Info("accepted submission", "submission_id", id, "handle", handle)
	c.delete(ctx, msg)
}

func (c *Consumer) delete(ctx context.Context, msg types.Message) {
	_, err := c.queue.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		logger.FromContext(ctx).Error("failed to delete message", "error", err)
	}
}

func parseRequest(body string) (uuid.UUID, error) {
	var req api.SubmitReq
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return uuid.Nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if req.SubmissionID == "" {
		return uuid.Nil, errors.New("submission_id is missing")
	}
	id, err := uuid.Parse(req.SubmissionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid submission_id: %w", err)
	}
	return id, nil
}

// Package sqsgath forwards pipeline progress events to an SQS results queue.
package sqsgath

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/programme-lv/referee/api"
)

const sendTimeout = 10 * time.Second

type Sender interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type sqsResQueueGatherer struct {
	client   Sender
	queueUrl string
}

func New(client Sender, queueUrl string) *sqsResQueueGatherer {
	return &sqsResQueueGatherer{client: client, queueUrl: queueUrl}
}

func (s *sqsResQueueGatherer) StartPhase(msg api.StartPhase) {
	s.send(msg)
}

func (s *sqsResQueueGatherer) FinishElement(msg api.FinishElement) {
	s.send(msg.Trimmed())
}

func (s *sqsResQueueGatherer) SkipPhase(msg api.SkipPhase) {
	s.send(msg.Trimmed())
}

func (s *sqsResQueueGatherer) FinishPhase(msg api.FinishPhase) {
	s.send(msg)
}

// send never fails the pipeline; undeliverable events are logged.
func (s *sqsResQueueGatherer) send(msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal message", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueUrl),
		MessageBody: aws.String(string(b)),
	})
	if err != nil {
		slog.Error("failed to send message", "queue", s.queueUrl, "error", err)
	}
}

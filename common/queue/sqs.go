package queue

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/talknote/ingest/common/logger"
)

const (
	sqsTopicAttr = "topic"
	sqsKeyAttr   = "key"
)

// SQSAPI is the subset of the SQS client used by SQSQueue
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue publishes to and long-polls a single SQS queue. The topic travels
// as a message attribute.
type SQSQueue struct {
	client   SQSAPI
	queueURL string
	workers  int
	wait     int32
	log      *logger.Logger
	wg       sync.WaitGroup
}

// NewSQSQueue creates an SQS-backed queue
func NewSQSQueue(client SQSAPI, queueURL string, workers int, log *logger.Logger) *SQSQueue {
	if workers < 1 {
		workers = 1
	}
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
		workers:  workers,
		wait:     20,
		log:      log,
	}
}

// Publish sends one message
func (q *SQSQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(message)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			sqsTopicAttr: {DataType: aws.String("String"), StringValue: aws.String(topic)},
			sqsKeyAttr:   {DataType: aws.String("String"), StringValue: aws.String(key)},
		},
	})
	if err != nil {
		q.log.Error("sqs send failed", "topic", topic, "key", key, "error", err)
		return err
	}
	return nil
}

// Subscribe starts long-poll workers. Messages are deleted only after the
// handler succeeds; failures reappear after the visibility timeout.
func (q *SQSQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	q.log.Info("subscribing to sqs queue", "queue_url", q.queueURL, "topic", topic, "workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.pollLoop(ctx, topic, handler)
		}()
	}
	return nil
}

func (q *SQSQueue) pollLoop(ctx context.Context, topic string, handler MessageHandler) {
	for {
		if ctx.Err() != nil {
			return
		}

		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(q.queueURL),
			MaxNumberOfMessages:   10,
			WaitTimeSeconds:       q.wait,
			MessageAttributeNames: []string{"All"},
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Error("sqs receive failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, m := range out.Messages {
			if attr := m.MessageAttributes[sqsTopicAttr]; aws.ToString(attr.StringValue) != topic {
				continue
			}
			key := aws.ToString(m.MessageAttributes[sqsKeyAttr].StringValue)

			if err := handler(ctx, key, []byte(aws.ToString(m.Body))); err != nil {
				q.log.Error("sqs handler error", "topic", topic, "key", key, "error", err)
				continue
			}
			if _, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(q.queueURL),
				ReceiptHandle: m.ReceiptHandle,
			}); err != nil {
				q.log.Warn("sqs delete failed", "key", key, "error", err)
			}
		}
	}
}

// Close waits for poll loops to exit; cancel the Subscribe context first
func (q *SQSQueue) Close() error {
	q.wg.Wait()
	return nil
}

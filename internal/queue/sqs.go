// ABOUTME: Amazon SQS implementation of Queue
// ABOUTME: Long-polls with ReceiveMessage and deletes by receipt handle

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	sqsMaxBatch = 10
	sqsMaxWait  = 20 * time.Second
)

// SQSAPI is the subset of the SQS client used by SQSQueue.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSConfig locates the queue. Endpoint overrides the AWS endpoint, for
// LocalStack and ElasticMQ.
type SQSConfig struct {
	QueueURL string
	Region   string
	Endpoint string
}

// SQSQueue sends and receives job messages through SQS.
type SQSQueue struct {
	client   SQSAPI
	queueURL string
}

// NewSQSQueue loads the default AWS configuration and creates a queue client.
func NewSQSQueue(ctx context.Context, cfg SQSConfig) (*SQSQueue, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs queue_url is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var sqsOpts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		sqsOpts = append(sqsOpts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return NewSQSQueueWithClient(sqs.NewFromConfig(awsCfg, sqsOpts...), cfg.QueueURL), nil
}

// NewSQSQueueWithClient wraps an existing client.
func NewSQSQueueWithClient(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL}
}

// Send enqueues body with the job key as a message attribute.
func (q *SQSQueue) Send(ctx context.Context, key string, body []byte) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if key != "" {
		input.MessageAttributes = map[string]types.MessageAttributeValue{
			"job_id": {DataType: aws.String("String"), StringValue: aws.String(key)},
		}
	}
	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs send message: %w", err)
	}
	return nil
}

// Receive long-polls for up to max messages. SQS caps max at 10 and wait at 20s.
func (q *SQSQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	if max > sqsMaxBatch {
		max = sqsMaxBatch
	}
	if wait > sqsMaxWait {
		wait = sqsMaxWait
	}
	if wait < 0 {
		wait = 0
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(wait / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive message: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		deliveries = append(deliveries, Delivery{
			ID:   aws.ToString(m.ReceiptHandle),
			Body: []byte(aws.ToString(m.Body)),
		})
	}
	return deliveries, nil
}

// Delete removes the message identified by its receipt handle.
func (q *SQSQueue) Delete(ctx context.Context, id string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(id),
	})
	if err != nil {
		return fmt.Errorf("sqs delete message: %w", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no connections that need closing.
func (q *SQSQueue) Close() error { return nil }

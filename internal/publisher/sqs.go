package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/pvandervelde/queue-keeper/internal/apperror"
)

// SQSConfig configures the SQS-backed Queue. queueURLs maps a logical
// queue name (as used in provider/subscription configuration) to the
// actual SQS queue URL.
type SQSConfig struct {
	Region    string
	Endpoint  string // optional, for LocalStack in local development
	QueueURLs map[string]string
}

// SQSQueue publishes to AWS SQS FIFO queues, deriving MessageGroupId
// from the caller's session key so same-key messages stay ordered.
type SQSQueue struct {
	client    *sqs.Client
	queueURLs map[string]string
}

// NewSQSQueue builds an SQSQueue from cfg.
func NewSQSQueue(ctx context.Context, cfg SQSConfig) (*SQSQueue, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("publisher: load aws config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &SQSQueue{client: client, queueURLs: cfg.QueueURLs}, nil
}

// Publish implements Queue.
func (q *SQSQueue) Publish(ctx context.Context, queueName, sessionKey string, body []byte) error {
	url, ok := q.queueURLs[queueName]
	if !ok {
		return apperror.Permanent("queue_not_found", fmt.Errorf("publisher: no queue URL configured for %q", queueName))
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	}

	// FIFO queues require MessageGroupId and a dedup id; unordered
	// messages get a random group so they never contend with each
	// other, and dedup is disabled via a fresh id per send.
	groupID := sessionKey
	if groupID == "" {
		groupID = uuid.NewString()
	}
	input.MessageGroupId = aws.String(groupID)
	input.MessageDeduplicationId = aws.String(uuid.NewString())

	_, err := q.client.SendMessage(ctx, input)
	if err != nil {
		wrapped := fmt.Errorf("publisher: sqs send to %s: %w", queueName, err)

		var queueGone *types.QueueDoesNotExist
		if errors.As(err, &queueGone) {
			return apperror.Permanent("queue_not_found", wrapped)
		}
		var badContents *types.InvalidMessageContents
		if errors.As(err, &badContents) {
			return apperror.Permanent("invalid_message_contents", wrapped)
		}
		return apperror.Transient("queue_publish_failed", wrapped)
	}
	return nil
}

package aws

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/mahirjain10/go-transcoder/internal/types"
)

// SQSAPI is the part of *sqs.Client the queue service uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type SQSService struct {
	client          SQSAPI
	queueURL        string
	deadLetterURL   string
	waitTimeSeconds int32
}

func NewSQSService(client SQSAPI, queueURL string, deadLetterURL string, waitTimeSeconds int32) *SQSService {
	return &SQSService{client: client, queueURL: queueURL, deadLetterURL: deadLetterURL, waitTimeSeconds: waitTimeSeconds}
}

// Receive long polls for a single message. No message is an empty slice and a nil error.
func (service *SQSService) Receive(ctx context.Context) ([]types.QueueMessage, error) {
	out, err := service.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(service.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     service.waitTimeSeconds,
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", service.queueURL, err)
	}

	messages := make([]types.QueueMessage, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
		messages = append(messages, types.QueueMessage{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
			ReceiveCount:  count,
		})
	}
	return messages, nil
}

func (service *SQSService) Delete(ctx context.Context, msg types.QueueMessage) error {
	_, err := service.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(service.queueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", msg.ID, err)
	}
	return nil
}

// Requeue makes the message visible again after delay instead of waiting out
// the queue's visibility timeout.
func (service *SQSService) Requeue(ctx context.Context, msg types.QueueMessage, delay time.Duration) error {
	_, err := service.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(service.queueURL),
		ReceiptHandle:     aws.String(msg.ReceiptHandle),
		VisibilityTimeout: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("requeue message %s: %w", msg.ID, err)
	}
	return nil
}

// HasDeadLetter reports whether poison messages have somewhere to go.
func (service *SQSService) HasDeadLetter() bool {
	return service.deadLetterURL != ""
}

// DeadLetter copies the message body to the dead letter queue. The caller deletes the original.
func (service *SQSService) DeadLetter(ctx context.Context, msg types.QueueMessage) error {
	if service.deadLetterURL == "" {
		return fmt.Errorf("no dead letter queue configured")
	}
	_, err := service.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(service.deadLetterURL),
		MessageBody: aws.String(msg.Body),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"SourceMessageId": {DataType: aws.String("String"), StringValue: aws.String(msg.ID)},
			"ReceiveCount":    {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(msg.ReceiveCount))},
		},
	})
	if err != nil {
		return fmt.Errorf("send message %s to dead letter queue: %w", msg.ID, err)
	}
	return nil
}
